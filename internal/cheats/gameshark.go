package cheats

import (
	"fmt"
	"strconv"
)

// A GameSharkCode consists of eight-digit hex numbers, formatted
// as ABCDEFGH. Where AB represents the external RAM bank, CD is
// the new data, and GHEF is the memory address.
type GameSharkCode struct {
	ExternalRAMBank uint8
	Address         uint16
	NewData         uint8
}

func parseGameShark(code string) (GameSharkCode, error) {
	var c GameSharkCode

	if len(code) != 8 || !isHex(code) {
		return c, fmt.Errorf("malformed GameShark code %q", code)
	}

	ab, _ := strconv.ParseUint(code[0:2], 16, 8)
	c.ExternalRAMBank = uint8(ab)

	cd, _ := strconv.ParseUint(code[2:4], 16, 8)
	c.NewData = uint8(cd)

	// reorganize GHEF to EFGH
	efgh, _ := strconv.ParseUint(code[6:8]+code[4:6], 16, 16)
	c.Address = uint16(efgh)

	switch {
	case c.Address >= 0xA000 && c.Address <= 0xDFFF:
	case c.Address >= 0xFF80 && c.Address <= 0xFFFE:
	default:
		return c, fmt.Errorf("GameShark address %04X is not in RAM", c.Address)
	}

	return c, nil
}
