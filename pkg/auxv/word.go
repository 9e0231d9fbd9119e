package auxv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"
)

// Word is the type used by the auxilliary vector for both the key and values
// of the vector's pairs. The on-disk size is the one of a native pointer.
type Word uint64

// wordSize is the size in bytes of a word in the current process.
const wordSize = int(unsafe.Sizeof(uintptr(0)))

// maxStringLen bounds the strings read through ReadString.
const maxStringLen = 4096

// ReadFrom reads an auxilliary vector value from r, in the native byte order.
func (w *Word) ReadFrom(r io.Reader) error {
	if wordSize == 4 {
		var v uint32
		err := binary.Read(r, binary.NativeEndian, &v)
		*w = Word(v)
		return err
	}
	return binary.Read(r, binary.NativeEndian, (*uint64)(w))
}

// ReadString reads the NUL-terminated string the word points to in the memory
// of the current process.
func (w Word) ReadString() (string, error) {
	mem, err := os.Open("/proc/self/mem")
	if err != nil {
		return "", fmt.Errorf(`opening process memory: %w`, err)
	}
	defer mem.Close()

	var buf bytes.Buffer
	var chunk [64]byte
	off := int64(w)
	for buf.Len() < maxStringLen {
		n, err := mem.ReadAt(chunk[:], off)
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			buf.Write(chunk[:i])
			return buf.String(), nil
		}
		buf.Write(chunk[:n])
		off += int64(n)
		if err != nil {
			return "", fmt.Errorf(`reading process memory: %w`, err)
		}
	}

	return "", errors.New(`unterminated string`)
}
