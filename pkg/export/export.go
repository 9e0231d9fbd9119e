// Package export writes decompiled sources into a version-controlled tree.
package export

import (
	"context"
	"fmt"

	"github.com/wreckinglabs/dragonkick/pkg/ghidra"
)

// File to export. Path is relative to the exported tree. When Link is set,
// the file is a symbolic link to Link and Content is ignored.
type File struct {
	Path    string
	Content []byte
	Link    string
}

// Result of an export.
type Result struct {
	Written   int
	Unchanged int
	Links     int
	// Removed counts the stale symbolic links removed.
	Removed int
	// Commit is the hash of the created commit, empty when the tree didn't
	// change.
	Commit string
}

// Sink exports files under a root directory.
type Sink interface {
	Export(ctx context.Context, root string, files []File) (Result, error)
}

// FunctionFiles returns the files exported for the functions: the code of
// each decompiled function in <entry>.c, and a <entry>::<name>.c symbolic
// link to it. Thunks and functions that couldn't be decompiled are
// skipped.
func FunctionFiles(functions []ghidra.Function) []File {
	var files []File
	for _, f := range functions {
		if !f.Decompiled() {
			continue
		}

		name := fmt.Sprintf("%s.c", f.Entry)
		files = append(files, File{
			Path:    name,
			Content: []byte(f.Code),
		}, File{
			Path: fmt.Sprintf("%s::%s.c", f.Entry, f.Name),
			Link: name,
		})
	}
	return files
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
