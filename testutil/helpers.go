package testutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// TempFile creates a temporary file with given content
func TempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err == nil {
		err = os.WriteFile(path, content, 0644)
	}
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}

// WriteTree creates files under dir from a path to content map
func WriteTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
}

// MakeRandomBytes creates deterministic pseudo-random test data
func MakeRandomBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*17 + 11) % 256)
	}
	return data
}

// AssertEqual fails if values are not deeply equal
func AssertEqual(t *testing.T, got, want interface{}, msg string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s: got %v, want %v", msg, got, want)
	}
}

// AssertNoError fails if error is not nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError fails if error is nil
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected error, got nil", msg)
	}
}

// AssertBytesEqual compares byte slices
func AssertBytesEqual(t *testing.T, got, want []byte, msg string) {
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
