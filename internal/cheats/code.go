package cheats

import (
	"fmt"
	"strings"
)

// CodeFormat identifies the syntax of a code line.
type CodeFormat uint8

const (
	FormatUnknown CodeFormat = iota
	FormatGameGenie
	FormatGameShark
	// FormatGBARaw is the raw/CodeBreaker form XXXXXXXX YYYY.
	FormatGBARaw
	// FormatGBAActionReplay is the GameShark/Action Replay form
	// XXXXXXXX YYYYYYYY.
	FormatGBAActionReplay
)

var formatNames = map[CodeFormat]string{
	FormatUnknown:         "unknown",
	FormatGameGenie:       "gamegenie",
	FormatGameShark:       "gameshark",
	FormatGBARaw:          "gba-raw",
	FormatGBAActionReplay: "gba-actionreplay",
}

func (f CodeFormat) String() string {
	return formatNames[f]
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// ParseLine validates a single code line, returning it in
// canonical form (upper case, single space separator) and its
// format.
func ParseLine(line string) (string, CodeFormat, error) {
	fields := strings.Fields(strings.ToUpper(line))

	switch len(fields) {
	case 1:
		code := fields[0]
		if strings.Contains(code, "-") {
			if _, err := parseGameGenie(code); err != nil {
				return "", FormatUnknown, err
			}
			return code, FormatGameGenie, nil
		}
		if _, err := parseGameShark(code); err != nil {
			return "", FormatUnknown, err
		}
		return code, FormatGameShark, nil

	case 2:
		addr, value := fields[0], fields[1]
		if len(addr) != 8 || !isHex(addr) || !isHex(value) {
			break
		}
		switch len(value) {
		case 4:
			return addr + " " + value, FormatGBARaw, nil
		case 8:
			return addr + " " + value, FormatGBAActionReplay, nil
		}
	}

	return "", FormatUnknown, fmt.Errorf("unrecognised cheat code %q", strings.TrimSpace(line))
}

// Normalize validates a cheat code of one or more lines,
// separated by newlines or semicolons, and returns the lines in
// canonical form joined by newlines. Every line must be valid.
func Normalize(code string) (string, error) {
	lines := strings.FieldsFunc(code, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ';'
	})

	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		c, _, err := ParseLine(l)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("cheat code is empty")
	}

	return strings.Join(out, "\n"), nil
}
