package cheats

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// A GameGenieCode consists of nine-digit hex numbers, formatted as
// ABC-DEF-GHI. AB is the new data, FCDE is the memory address XORed
// by 0xF000, GI is the old data XORed by 0xBA and rotated left by 2,
// and H is unknown (possibly a checksum). The six-digit form ABC-DEF
// has no old data and patches unconditionally.
type GameGenieCode struct {
	NewData    uint8
	Address    uint16
	OldData    uint8
	HasOldData bool
}

func parseGameGenie(code string) (GameGenieCode, error) {
	var c GameGenieCode

	// ABC-DEF or ABC-DEF-GHI
	switch len(code) {
	case 7:
		if code[3] != '-' {
			return c, fmt.Errorf("malformed Game Genie code %q", code)
		}
	case 11:
		if code[3] != '-' || code[7] != '-' {
			return c, fmt.Errorf("malformed Game Genie code %q", code)
		}
		c.HasOldData = true
	default:
		return c, fmt.Errorf("invalid Game Genie code length: %v", len(code))
	}

	digits := strings.ReplaceAll(code, "-", "")
	if !isHex(digits) {
		return c, fmt.Errorf("malformed Game Genie code %q", code)
	}

	ab, _ := strconv.ParseUint(digits[0:2], 16, 8)
	c.NewData = uint8(ab)

	// reorganize CDEF to FCDE
	fcde, _ := strconv.ParseUint(digits[5:6]+digits[2:5], 16, 16)
	c.Address = uint16(fcde) ^ 0xF000

	if c.HasOldData {
		gi, _ := strconv.ParseUint(digits[6:7]+digits[8:9], 16, 8)
		c.OldData = bits.RotateLeft8(uint8(gi)^0xBA, 2)
	}

	// Game Genie codes patch ROM reads only
	if c.Address >= 0x8000 {
		return c, fmt.Errorf("Game Genie address %04X is outside ROM", c.Address)
	}

	return c, nil
}
