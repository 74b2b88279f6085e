//go:build unit

package fence

import (
	"errors"
	"testing"
	"time"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
)

func contains(fences []*Fence, f *Fence) bool {
	for _, x := range fences {
		if x == f {
			return true
		}
	}
	return false
}

func TestReservationDependencies(t *testing.T) {
	r := NewReservation()
	ctx := AllocContext()
	writer := New("w", ctx, 1)
	reader := New("r", ctx, 2)

	r.Add(writer, true)
	r.Add(reader, false)

	tests := []struct {
		name       string
		write      bool
		wantWriter bool
		wantReader bool
	}{
		{"read waits for writers only", false, true, false},
		{"write waits for readers and writers", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := r.Fences(tt.write)
			if contains(deps, writer) != tt.wantWriter {
				t.Errorf("writer in deps = %v, expected %v", !tt.wantWriter, tt.wantWriter)
			}
			if contains(deps, reader) != tt.wantReader {
				t.Errorf("reader in deps = %v, expected %v", !tt.wantReader, tt.wantReader)
			}
		})
	}
}

func TestReservationReadAfterReadIsFree(t *testing.T) {
	r := NewReservation()
	r.Add(New("r1", AllocContext(), 1), false)

	if deps := r.Fences(false); len(deps) != 0 {
		t.Errorf("read after read produced %d dependencies", len(deps))
	}
	if !r.Busy(true) {
		t.Error("pending reader should make the buffer busy for writers")
	}
	if r.Busy(false) {
		t.Error("pending reader should not make the buffer busy for readers")
	}
}

func TestReservationPrunesResolved(t *testing.T) {
	r := NewReservation()
	ctx := AllocContext()
	w1 := New("w", ctx, 1)
	w2 := New("w", ctx, 2)
	r.Add(w1, true)
	r.Add(w2, true)

	w1.Signal()
	deps := r.Fences(false)
	if len(deps) != 1 || deps[0] != w2 {
		t.Errorf("Fences() = %v, expected only the unresolved writer", deps)
	}

	w2.SignalError(driver.ErrHardwareFault)
	if r.Busy(true) {
		t.Error("errored fences count as resolved")
	}
}

func TestReservationWait(t *testing.T) {
	r := NewReservation()
	w := New("w", AllocContext(), 1)
	r.Add(w, true)

	if err := r.Wait(false, 0); !errors.Is(err, driver.ErrBusy) {
		t.Errorf("Wait(0) = %v, expected busy", err)
	}
	if err := r.Wait(false, 10*time.Millisecond); !errors.Is(err, driver.ErrTimedOut) {
		t.Errorf("Wait(10ms) = %v, expected timed out", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		w.Signal()
	}()
	if err := r.Wait(false, time.Second); err != nil {
		t.Errorf("Wait() = %v, expected nil", err)
	}
}
