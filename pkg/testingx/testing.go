// testingx contains testing helpers meant to simplify unit testing. Most of
// the helpers are simple wrapper for other libraries functions with a few
// tweaks meant to simplify the unit tests:
// - they don't return an error and instead fail the test,
// - relative filepath are prefixed by testdata/,
// - resources like file handles are closed during test cleanup;
// - ELF fixtures are synthesized instead of being checked in.
package testingx

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

// updateGoldenFlag indicates tests to udpate their golden files with the
// expected output. This flag is controled by the -updategolden flag and will
// apply to every call to GoldenXXX, one is expected to use the -run flag to
// limit to specific tests.
var updateGolden bool

func init() {
	flag.BoolVar(&updateGolden, "updategolden", false, "update the golden files")
}

// Open the file at path and return the handle.
func Open(t *testing.T, path string) *os.File {
	t.Helper()
	if !filepath.IsAbs(path) {
		path = filepath.Join(`testdata`, path)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf(`opening file %q: %s`, path, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// ReadFile returns the content of the file at path. See os.ReadFile.
func ReadFile(t *testing.T, path string) []byte {
	t.Helper()
	if !filepath.IsAbs(path) {
		path = filepath.Join(`testdata`, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf(`reading file %q: %s`, path, err)
	}
	return raw
}

// WriteFile set the content of the file at path, creating the parent
// directories if needed. See os.WriteFile.
func WriteFile(t *testing.T, path string, raw []byte) {
	t.Helper()
	if !filepath.IsAbs(path) {
		path = filepath.Join(`testdata`, path)
	}
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		t.Fatalf(`creating directory for %q: %s`, path, err)
	}
	err = os.WriteFile(path, raw, 0644)
	if err != nil {
		t.Fatalf(`writing file %q: %s`, path, err)
	}
}

// Symlink creates newname as a symbolic link to oldname, creating the parent
// directories of newname if needed. See os.Symlink.
func Symlink(t *testing.T, oldname, newname string) {
	t.Helper()
	err := os.MkdirAll(filepath.Dir(newname), 0755)
	if err != nil {
		t.Fatalf(`creating directory for %q: %s`, newname, err)
	}
	err = os.Symlink(oldname, newname)
	if err != nil {
		t.Fatalf(`linking %q to %q: %s`, newname, oldname, err)
	}
}

// Abs returns an absolute path equivalent to the given path, and fail the
// test in case of error.
func Abs(t *testing.T, path string) string {
	t.Helper()
	p, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf(`filepath.Abs(%q): %s`, path, err)
	}
	return p
}

// UnmarshalJSON parse the JSON raw string into dest. See json.Unmarshal.
func UnmarshalJSON(t *testing.T, raw []byte, dest interface{}) {
	t.Helper()
	err := json.Unmarshal(raw, dest)
	if err != nil {
		t.Fatalf(`unmarshaling: %s`, err)
	}
}

// MarshalJSON encode src into a JSON string. See json.Marshal.
func MarshalJSON(t *testing.T, src interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(src)
	if err != nil {
		t.Fatalf(`marshaling %#v: %s`, src, err)
	}
	return raw
}

// Golden returns the content of the file at path, eventually changing them to
// out beforehand if the -goldenupdate flag was set to true on the command
// line. See ReadFile and WriteFile.
func Golden(t *testing.T, path string, out []byte) []byte {
	t.Helper()
	if updateGolden {
		WriteFile(t, path, out)
	}
	return ReadFile(t, path)
}

// GoldenJSON is like Golden, but keep a JSON representation of the given
// structs into the file at path.
func GoldenJSON(t *testing.T, path string, out, dest interface{}) {
	t.Helper()
	if updateGolden {
		WriteFile(t, path, MarshalJSON(t, out))
	}
	UnmarshalJSON(t, ReadFile(t, path), dest)
}
