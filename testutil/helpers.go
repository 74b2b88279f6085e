package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// SkipIfNoDevice skips test if no rocket accel node is present
func SkipIfNoDevice(t testing.TB) string {
	t.Helper()

	devices := []string{"/dev/accel/accel0", "/dev/accel/accel1"}
	for _, path := range devices {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	t.Skip("No rocket device available")
	return ""
}

// TempFile creates a temporary file with given content
func TempFile(t testing.TB, name string, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, content, 0644)
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}

// MakeRandomBytes creates deterministic test data
func MakeRandomBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*17 + 11) % 256)
	}
	return data
}

// AssertEqual fails if values are not equal
func AssertEqual(t testing.TB, got, want interface{}, msg string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", msg, got, want)
	}
}

// AssertNoError fails if error is not nil
func AssertNoError(t testing.TB, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertErrorIs fails unless errors.Is(err, target)
func AssertErrorIs(t testing.TB, err, target error, msg string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("%s: got error %v, want %v", msg, err, target)
	}
}

// AssertBytesEqual compares byte slices
func AssertBytesEqual(t testing.TB, got, want []byte, msg string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s: length mismatch: got %d, want %d", msg, len(got), len(want))
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("%s: mismatch at index %d: got %d, want %d", msg, i, got[i], want[i])
			return
		}
	}
}

// Eventually polls cond until it holds or timeout passes
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met within %v", msg, timeout)
		}
		time.Sleep(time.Millisecond)
	}
}
