// Package cheats manages the cheat sets of cartridges. A set is
// persisted as a text file of the following form:
//
//	# Cheat Name
//	!disabled
//	12345678
//	ABC-DEF-GHI
//
// Each "#" line starts a cheat, the optional "!disabled" line
// marks it disabled, and the following lines are its codes.
package cheats

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/cespare/xxhash"
)

const (
	directiveDisabled = "!disabled"
	directiveEnabled  = "!enabled"

	maxLabelLength = 64
)

// Entry is a named cheat. Code holds one or more canonical code
// lines separated by newlines.
type Entry struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Code    string `json:"code"`
	Enabled bool   `json:"enabled"`
}

// EntryID returns the identifier of a cheat, 16 hex digits of
// the xxhash64 of its label and normalized code.
func EntryID(label, code string) string {
	d := xxhash.New()
	d.Write([]byte(label))
	d.Write([]byte{0})
	d.Write([]byte(code))
	return fmt.Sprintf("%016x", d.Sum64())
}

// NewEntry validates label and code and returns an enabled
// entry.
func NewEntry(label, code string) (Entry, error) {
	label = strings.TrimSpace(label)
	switch {
	case label == "":
		return Entry{}, fmt.Errorf("cheat label is empty")
	case len(label) > maxLabelLength:
		return Entry{}, fmt.Errorf("cheat label exceeds %d characters", maxLabelLength)
	case strings.ContainsAny(label, "\r\n"):
		return Entry{}, fmt.Errorf("cheat label contains a line break")
	}

	normalized, err := Normalize(code)
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		ID:      EntryID(label, normalized),
		Label:   label,
		Code:    normalized,
		Enabled: true,
	}, nil
}

// Parse reads a cheat set. Blank lines are ignored; a code line
// before the first label, or an invalid code, is an error.
func Parse(data []byte) ([]Entry, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	entries := make([]Entry, 0)
	var (
		current *Entry
		codes   []string
		lineNo  int
	)
	flush := func() error {
		if current == nil {
			return nil
		}
		e, err := NewEntry(current.Label, strings.Join(codes, "\n"))
		if err != nil {
			return fmt.Errorf("cheat %q: %w", current.Label, err)
		}
		e.Enabled = current.Enabled
		entries = append(entries, e)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line[0] == '#':
			if err := flush(); err != nil {
				return nil, err
			}
			current = &Entry{Label: strings.TrimSpace(line[1:]), Enabled: true}
			codes = codes[:0]
		case current == nil:
			return nil, fmt.Errorf("line %d: code without a cheat name", lineNo)
		case line == directiveDisabled:
			current.Enabled = false
		case line == directiveEnabled:
			current.Enabled = true
		default:
			codes = append(codes, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Format writes entries in the form read by Parse.
func Format(entries []Entry) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&b, "# %s\n", e.Label)
		if !e.Enabled {
			b.WriteString(directiveDisabled + "\n")
		}
		for _, code := range strings.Split(e.Code, "\n") {
			b.WriteString(code + "\n")
		}
	}
	return b.Bytes()
}
