package ir

import (
	"fmt"
	"strings"
)

// Reg names a general purpose register. RegNull is the absent register.
type Reg uint8

const (
	RegR0 Reg = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegSP

	NumRegs = 16

	RegNull Reg = 0xFF
)

func (r Reg) Valid() bool { return r < NumRegs }

func (r Reg) String() string {
	switch {
	case r == RegSP:
		return "sp"
	case r == RegNull:
		return "<null>"
	case r < NumRegs:
		return fmt.Sprintf("r%d", uint8(r))
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// ParseReg accepts "r0".."r15" and "sp".
func ParseReg(s string) (Reg, error) {
	s = strings.ToLower(s)
	if s == "sp" {
		return RegSP, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "r%d", &n); err != nil || n < 0 || n >= NumRegs || fmt.Sprintf("r%d", n) != s {
		return RegNull, fmt.Errorf("invalid register %q", s)
	}
	return Reg(n), nil
}

// Flags is the arithmetic flags word.
type Flags uint8

const (
	FlagZF Flags = 1 << iota
	FlagSF
	FlagCF
	FlagOF

	FlagsAll = FlagZF | FlagSF | FlagCF | FlagOF
)

func (f Flags) String() string {
	var b strings.Builder
	for _, x := range []struct {
		f Flags
		c byte
	}{{FlagZF, 'Z'}, {FlagSF, 'S'}, {FlagCF, 'C'}, {FlagOF, 'O'}} {
		if f&x.f != 0 {
			b.WriteByte(x.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
