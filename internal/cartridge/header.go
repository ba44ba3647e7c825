package cartridge

import (
	"bytes"
	"fmt"
	"strings"
)

// Platform is the hardware a cartridge image targets.
type Platform uint8

const (
	PlatformUnknown Platform = iota
	PlatformGB
	PlatformGBC
	PlatformGBA
)

func (p Platform) String() string {
	switch p {
	case PlatformGB:
		return "GB"
	case PlatformGBC:
		return "GBC"
	case PlatformGBA:
		return "GBA"
	default:
		return "Unknown"
	}
}

func (p Platform) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a platform name. Names it does not know
// decode as PlatformUnknown.
func (p *Platform) UnmarshalText(b []byte) error {
	*p = PlatformUnknown
	for _, q := range []Platform{PlatformGB, PlatformGBC, PlatformGBA} {
		if q.String() == string(b) {
			*p = q
		}
	}
	return nil
}

// Type is the memory controller byte of a Game Boy header. Only
// the values that carry a battery are named.
type Type uint8

const (
	MBC1RAMBATT       Type = 0x03
	MBC2BATT          Type = 0x06
	ROMRAMBATT        Type = 0x09
	MMM01RAMBATT      Type = 0x0D
	MBC3TIMERBATT     Type = 0x0F
	MBC3TIMERRAMBATT  Type = 0x10
	MBC3RAMBATT       Type = 0x13
	MBC5RAMBATT       Type = 0x1B
	MBC5RUMBLERAMBATT Type = 0x1E
	HUDSONHUC3        Type = 0xFE
	HUDSONHUC1        Type = 0xFF
)

var ramMAP = map[uint8]uint{
	0x00: 0,
	0x02: 8 * 1024,
	0x03: 32 * 1024,
	0x04: 128 * 1024,
	0x05: 64 * 1024,
}

// Header is the information read from a cartridge image's
// header. For Game Boy images it lives at 0x0100-0x014F, for
// Game Boy Advance images at 0x00A0-0x00BF.
type Header struct {
	Platform  Platform `json:"platform"`
	Title     string   `json:"title"`
	GameCode  string   `json:"gameCode,omitempty"`
	MakerCode string   `json:"makerCode,omitempty"`

	// Game Boy only
	CartridgeType Type `json:"-"`
	ROMSize       uint `json:"romSize,omitempty"`
	RAMSize       uint `json:"ramSize,omitempty"`
}

var nintendoLogo = []byte{0xCE, 0xED, 0x66, 0x66, 0xCC, 0x0D, 0x00, 0x0B}

// ParseHeader identifies the platform of data and parses its
// header. Data that matches no known layout returns an error.
func ParseHeader(data []byte) (Header, error) {
	if h, ok := parseGBA(data); ok {
		return h, nil
	}
	if h, ok := parseGB(data); ok {
		return h, nil
	}
	return Header{}, fmt.Errorf("unrecognised cartridge header")
}

func parseGBA(data []byte) (Header, bool) {
	if len(data) < 0xC0 || data[0xB2] != 0x96 {
		return Header{}, false
	}

	// complement check over 0xA0-0xBC
	var sum byte
	for _, b := range data[0xA0:0xBD] {
		sum -= b
	}
	if sum-0x19 != data[0xBD] {
		return Header{}, false
	}

	return Header{
		Platform:  PlatformGBA,
		Title:     cleanTitle(data[0xA0:0xAC]),
		GameCode:  cleanTitle(data[0xAC:0xB0]),
		MakerCode: cleanTitle(data[0xB0:0xB2]),
	}, true
}

func parseGB(data []byte) (Header, bool) {
	if len(data) < 0x150 || !bytes.Equal(data[0x104:0x10C], nintendoLogo) {
		return Header{}, false
	}
	header := data[0x100:0x150]

	h := Header{Platform: PlatformGB}

	// CGB flag shortens the title by one byte
	switch header[0x43] {
	case 0x80, 0xC0:
		h.Platform = PlatformGBC
		h.Title = cleanTitle(header[0x34:0x43])
		h.GameCode = cleanTitle(header[0x3F:0x43])
	default:
		h.Title = cleanTitle(header[0x34:0x44])
	}

	h.CartridgeType = Type(header[0x47])

	// 32kB x (1 << n)
	if header[0x48] <= 8 {
		h.ROMSize = (32 * 1024) << header[0x48]
	}
	h.RAMSize = ramMAP[header[0x49]]

	return h, true
}

// HasBattery reports whether the cartridge keeps battery
// backed RAM. Game Boy Advance headers do not describe their
// save type, so they are assumed to.
func (h Header) HasBattery() bool {
	switch h.Platform {
	case PlatformGBA:
		return true
	case PlatformGB, PlatformGBC:
		switch h.CartridgeType {
		case MBC1RAMBATT, MBC2BATT, ROMRAMBATT, MMM01RAMBATT, MBC3TIMERBATT,
			MBC3TIMERRAMBATT, MBC3RAMBATT, MBC5RAMBATT, MBC5RUMBLERAMBATT,
			HUDSONHUC3, HUDSONHUC1:
			return true
		}
	}
	return false
}

func (h Header) String() string {
	if h.Platform == PlatformGBA {
		return fmt.Sprintf("%s [%s] Platform: %s", h.Title, h.GameCode, h.Platform)
	}
	return fmt.Sprintf("%s Platform: %s | ROM Size: %dkB | RAM Size: %dkB", h.Title, h.Platform, h.ROMSize/1024, h.RAMSize/1024)
}

func cleanTitle(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, string(b)))
}
