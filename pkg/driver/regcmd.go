package driver

import (
	"encoding/binary"
	"fmt"
)

// SizeOfRegCmd is the size of one packed register command
const SizeOfRegCmd = 8

// Register command targets
const (
	TargetPC   uint16 = 0x0100
	TargetCNA  uint16 = 0x0201
	TargetCore uint16 = 0x0801
	TargetDPU  uint16 = 0x1001
	TargetRDMA uint16 = 0x2001
)

// RegCmd is one packed register write of a command stream, little endian:
//
//	bits  0..15  register offset
//	bits 16..47  value
//	bits 48..63  target block
type RegCmd [SizeOfRegCmd]byte

// NewRegCmd packs a register write
func NewRegCmd(target uint16, reg uint16, value uint32) RegCmd {
	var c RegCmd
	binary.LittleEndian.PutUint64(c[:], uint64(target)<<48|uint64(value)<<16|uint64(reg))
	return c
}

func (c RegCmd) word() uint64 {
	return binary.LittleEndian.Uint64(c[:])
}

// Target returns the block the write goes to
func (c RegCmd) Target() uint16 { return uint16(c.word() >> 48) }

// Register returns the register offset
func (c RegCmd) Register() uint16 { return uint16(c.word()) }

// Value returns the value written
func (c RegCmd) Value() uint32 { return uint32(c.word() >> 16) }

// String implements fmt.Stringer
func (c RegCmd) String() string {
	return fmt.Sprintf("%04x:%04x=%08x", c.Target(), c.Register(), c.Value())
}

// RegCmdStream accumulates a packed command stream
type RegCmdStream struct {
	buf []byte
}

// Emit appends a register write
func (s *RegCmdStream) Emit(target uint16, reg uint16, value uint32) {
	c := NewRegCmd(target, reg, value)
	s.buf = append(s.buf, c[:]...)
}

// Len returns the number of commands
func (s *RegCmdStream) Len() int {
	return len(s.buf) / SizeOfRegCmd
}

// Bytes returns the packed stream
func (s *RegCmdStream) Bytes() []byte {
	return s.buf
}

// DecodeRegCmds splits a packed stream into its commands
func DecodeRegCmds(data []byte) ([]RegCmd, error) {
	if len(data)%SizeOfRegCmd != 0 {
		return nil, NewError(StatusInvalidArgument,
			fmt.Sprintf("command stream length %d is not a multiple of %d", len(data), SizeOfRegCmd))
	}
	cmds := make([]RegCmd, len(data)/SizeOfRegCmd)
	for i := range cmds {
		copy(cmds[i][:], data[i*SizeOfRegCmd:])
	}
	return cmds, nil
}
