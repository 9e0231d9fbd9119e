// Package auxv reads the auxiliary vector the kernel hands to the current
// process. It is used to learn the AT_PLATFORM string the dynamic linker
// substitutes for $PLATFORM in search paths.
package auxv

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when the requested entry isn't in the vector.
var ErrNotFound = errors.New(`auxiliary vector entry not found`)

// Type is the key of the auxilliary vector entries. See
// https://github.com/torvalds/linux/blob/master/include/uapi/linux/auxvec.h
// for the complete list of accepted values.
type Type Word

// ReadFrom reads an auxilliary vector key from r.
func (t *Type) ReadFrom(r io.Reader) error {
	var w Word
	err := w.ReadFrom(r)
	if err != nil {
		return err
	}
	*t = Type(w)
	return nil
}

const (
	TypeNull     Type = 0
	TypePlatform Type = 15
)

// Vector is an auxilliary vector, i.e the list of key-value pairs provided by
// the kernel about the environment in which a program is operating.
// See https://www.gnu.org/software/libc/manual/html_node/Auxiliary-Vector.html.
type Vector map[Type]Word

// New initialize a new empty Vector.
func New() Vector {
	return Vector{}
}

// ReadFrom takes an io.Reader and parse the auxilliary vector within it. The
// parsing stops at the AT_NULL entry or at the end of the reader.
func (v Vector) ReadFrom(r io.Reader) (err error) {
	for {
		var t Type
		err = t.ReadFrom(r)
		if err != nil {
			break
		}

		var val Word
		err = val.ReadFrom(r)
		if err != nil {
			return fmt.Errorf(`reading value: %w`, err)
		}

		if t == TypeNull {
			return nil
		}

		v[t] = val
	}

	if err == io.EOF {
		return nil
	}

	return err
}

// Platform returns the AT_PLATFORM string of the current process, e.g
// "x86_64" or "aarch64".
func Platform() (string, error) {
	f, err := os.Open("/proc/self/auxv")
	if err != nil {
		return "", fmt.Errorf(`opening auxiliary vector: %w`, err)
	}
	defer f.Close()

	v := New()
	err = v.ReadFrom(f)
	if err != nil {
		return "", fmt.Errorf(`reading auxiliary vector: %w`, err)
	}

	w, ok := v[TypePlatform]
	if !ok {
		return "", ErrNotFound
	}

	return w.ReadString()
}
