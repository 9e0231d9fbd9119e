// Package project manages the on-disk layout of an analysis project: the
// copied targets and dependencies, the exported sources and the analysis
// tool project file.
package project

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Layout of a project rooted at Dir:
//
//	<dir>/bin/            copied targets
//	<dir>/lib/            copied dependencies
//	<dir>/src/<target>/   exported sources, one repository per target
//	<dir>/<name>/<name>.gpr
type Layout struct {
	Dir  string
	Name string
}

// New returns the layout of the project named name. The directory defaults
// to the name itself.
func New(dir, name string) Layout {
	if len(dir) == 0 {
		dir = name
	}
	return Layout{Dir: filepath.Clean(dir), Name: name}
}

func (l Layout) BinDir() string { return filepath.Join(l.Dir, "bin") }
func (l Layout) LibDir() string { return filepath.Join(l.Dir, "lib") }
func (l Layout) SrcDir() string { return filepath.Join(l.Dir, "src") }

// ProjectDir is the directory holding the analysis tool project.
func (l Layout) ProjectDir() string { return filepath.Join(l.Dir, l.Name) }

// ProjectFile is the analysis tool project file.
func (l Layout) ProjectFile() string {
	return filepath.Join(l.ProjectDir(), l.Name+".gpr")
}

// SourceDir is the directory receiving the exported sources of the target.
func (l Layout) SourceDir(target string) string {
	return filepath.Join(l.SrcDir(), filepath.Base(target))
}

// ZipFile is the archive written by Zip, next to the project directory.
func (l Layout) ZipFile() string {
	return filepath.Join(filepath.Dir(l.Dir), l.Name+".zip")
}

// Exists reports whether the project file is already there.
func (l Layout) Exists() bool {
	info, err := os.Stat(l.ProjectFile())
	return err == nil && info.Mode().IsRegular()
}

// Prepare creates the project directories.
func (l Layout) Prepare() error {
	for _, dir := range []string{l.Dir, l.BinDir(), l.LibDir(), l.SrcDir()} {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return wrap(err, "creating project directory")
		}
	}
	return nil
}

// RemoveAll removes the whole project directory.
func (l Layout) RemoveAll() error {
	err := os.RemoveAll(l.Dir)
	if err != nil {
		return wrap(err, "removing project %q", l.Dir)
	}
	return nil
}

// RemoveBinaries removes the regular files previously copied into bin/ and
// lib/, and returns their paths.
func (l Layout) RemoveBinaries() ([]string, error) {
	var removed []string
	for _, dir := range []string{l.LibDir(), l.BinDir()} {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, wrap(err, "listing %q", dir)
		}

		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			err = os.Remove(path)
			if err != nil {
				return removed, wrap(err, "removing %q", path)
			}
			removed = append(removed, path)
		}
	}
	return removed, nil
}

// CopyTarget copies the target into bin/ and returns the copy's path.
func (l Layout) CopyTarget(path string) (string, error) {
	return copyInto(path, l.BinDir())
}

// CopyLibrary copies the library into lib/ and returns the copy's path.
func (l Layout) CopyLibrary(path string) (string, error) {
	return copyInto(path, l.LibDir())
}

// copyInto copies the file at path into dir, preserving its mode and
// modification time.
func copyInto(path, dir string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", wrap(err, "opening %q", path)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", wrap(err, "reading %q", path)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("copying %q: not a regular file", path)
	}

	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return "", wrap(err, "creating %q", dir)
	}

	dst := filepath.Join(dir, filepath.Base(path))
	// Copies are read-only when the original is, remove the previous one
	// first.
	_ = os.Remove(dst)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|0200)
	if err != nil {
		return "", wrap(err, "creating %q", dst)
	}

	_, err = io.Copy(f, src)
	if err != nil {
		f.Close()
		return "", wrap(err, "copying %q", path)
	}

	err = f.Close()
	if err != nil {
		return "", wrap(err, "writing %q", dst)
	}

	err = os.Chmod(dst, info.Mode().Perm())
	if err != nil {
		return "", wrap(err, "setting mode of %q", dst)
	}

	err = os.Chtimes(dst, info.ModTime(), info.ModTime())
	if err != nil {
		return "", wrap(err, "setting times of %q", dst)
	}

	return dst, nil
}

// Zip archives the project directory into ZipFile, calling progress, if
// not nil, after each added entry. It returns the archive's path.
func (l Layout) Zip(progress func(name string, done, total int)) (string, error) {
	info, err := os.Stat(l.Dir)
	if err != nil {
		return "", wrap(err, "zipping project")
	}
	if !info.IsDir() {
		return "", fmt.Errorf("zipping project: %q is not a directory", l.Dir)
	}

	var paths []string
	err = filepath.WalkDir(l.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == l.Dir {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", wrap(err, "listing project")
	}

	out := l.ZipFile()
	f, err := os.Create(out)
	if err != nil {
		return "", wrap(err, "creating archive")
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for i, path := range paths {
		err = addToZip(w, l.Dir, path)
		if err != nil {
			return "", err
		}
		if progress != nil {
			progress(filepath.Base(path), i+1, len(paths))
		}
	}

	err = w.Close()
	if err != nil {
		return "", wrap(err, "writing archive")
	}

	err = f.Close()
	if err != nil {
		return "", wrap(err, "writing archive")
	}

	return filepath.Abs(out)
}

func addToZip(w *zip.Writer, root, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return wrap(err, "reading %q", path)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return wrap(err, "archiving %q", path)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return wrap(err, "archiving %q", path)
	}
	header.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		header.Name += "/"
	} else {
		header.Method = zip.Deflate
	}

	entry, err := w.CreateHeader(header)
	if err != nil {
		return wrap(err, "archiving %q", path)
	}

	switch {
	case info.IsDir():
		return nil
	case info.Mode()&os.ModeSymlink != 0:
		// Symlinks are stored as their target, the way zip -y does.
		target, err := os.Readlink(path)
		if err != nil {
			return wrap(err, "reading link %q", path)
		}
		_, err = io.Copy(entry, strings.NewReader(target))
		return err
	case !info.Mode().IsRegular():
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return wrap(err, "opening %q", path)
	}
	defer src.Close()

	_, err = io.Copy(entry, src)
	if err != nil {
		return wrap(err, "archiving %q", path)
	}
	return nil
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
