package bindless

import "fmt"

// Slot is an optional bindless index. The zero value is absent.
type Slot struct {
	index uint32
	valid bool
}

func Some(i uint32) Slot { return Slot{index: i, valid: true} }

func None() Slot { return Slot{} }

func (s Slot) Get() (uint32, bool) { return s.index, s.valid }

func (s Slot) IsSome() bool { return s.valid }

// Shader returns the index as shaders read it: -1 when absent.
func (s Slot) Shader() int32 {
	if !s.valid {
		return -1
	}
	return int32(s.index)
}

func (s Slot) String() string {
	if !s.valid {
		return "None"
	}
	return fmt.Sprintf("Some(%d)", s.index)
}
