package elfx

import (
	"debug/elf"
	"errors"
	"fmt"
)

// ErrNotRegular is wrapped by NotFoundError when the path exists but isn't a
// regular file.
var ErrNotRegular = errors.New(`not a regular file`)

// FormatError is returned when a file isn't a valid ELF binary.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: invalid ELF file: %s", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when a file is missing or can't be read.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Err)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// UnsupportedClassError is returned when the ELF class is neither 32 nor 64
// bits.
type UnsupportedClassError struct {
	Path  string
	Class elf.Class
}

func (e *UnsupportedClassError) Error() string {
	return fmt.Sprintf("%s: unsupported ELF class %s", e.Path, e.Class)
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
