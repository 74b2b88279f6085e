//go:build unit

package driver

import (
	"testing"
	"unsafe"
)

// Expected sizes follow the uapi structs on arm64/amd64; they must match
// exactly for the ioctl command codes to be right.

func TestRequestSizes(t *testing.T) {
	tests := []struct {
		name     string
		got      int
		expected int
	}{
		{"CreateBo", SizeOfCreateBo, 24},
		{"PrepBo", SizeOfPrepBo, 16},
		{"FiniBo", SizeOfFiniBo, 8},
		{"Task", SizeOfTask, 8},
		{"jobArgs", SizeOfJobArgs, 48},
		{"submitArgs", SizeOfSubmitArgs, 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s size = %d, expected %d", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestCreateBoFieldOffsets(t *testing.T) {
	var p CreateBo
	base := uintptr(unsafe.Pointer(&p))

	tests := []struct {
		name     string
		field    uintptr
		expected uintptr
	}{
		{"Size", uintptr(unsafe.Pointer(&p.Size)) - base, 0},
		{"Handle", uintptr(unsafe.Pointer(&p.Handle)) - base, 4},
		{"DMAAddress", uintptr(unsafe.Pointer(&p.DMAAddress)) - base, 8},
		{"Offset", uintptr(unsafe.Pointer(&p.Offset)) - base, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.field != tt.expected {
				t.Errorf("offset of %s = %d, expected %d", tt.name, tt.field, tt.expected)
			}
		})
	}
}

func TestJobArgsFieldOffsets(t *testing.T) {
	var j jobArgs
	base := uintptr(unsafe.Pointer(&j))

	tests := []struct {
		name     string
		field    uintptr
		expected uintptr
	}{
		{"Tasks", uintptr(unsafe.Pointer(&j.Tasks)) - base, 0},
		{"InBoHandles", uintptr(unsafe.Pointer(&j.InBoHandles)) - base, 8},
		{"OutBoHandles", uintptr(unsafe.Pointer(&j.OutBoHandles)) - base, 16},
		{"TaskCount", uintptr(unsafe.Pointer(&j.TaskCount)) - base, 24},
		{"TaskStructSize", uintptr(unsafe.Pointer(&j.TaskStructSize)) - base, 28},
		{"InBoHandleCount", uintptr(unsafe.Pointer(&j.InBoHandleCount)) - base, 32},
		{"OutBoHandleCount", uintptr(unsafe.Pointer(&j.OutBoHandleCount)) - base, 36},
		{"Core", uintptr(unsafe.Pointer(&j.Core)) - base, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.field != tt.expected {
				t.Errorf("offset of %s = %d, expected %d", tt.name, tt.field, tt.expected)
			}
		})
	}
}

func TestPrepOpValid(t *testing.T) {
	tests := []struct {
		op    PrepOp
		valid bool
		dir   DmaDataDirection
	}{
		{0, true, DmaBidirectional},
		{PrepRead, true, DmaFromDevice},
		{PrepWrite, true, DmaToDevice},
		{PrepRead | PrepWrite, true, DmaBidirectional},
		{0x4, false, DmaBidirectional},
		{PrepRead | 0x80, false, DmaBidirectional},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			if tt.op.Valid() != tt.valid {
				t.Errorf("Valid() = %v, expected %v", tt.op.Valid(), tt.valid)
			}
			if tt.valid && tt.op.Direction() != tt.dir {
				t.Errorf("Direction() = %s, expected %s", tt.op.Direction(), tt.dir)
			}
		})
	}
}
