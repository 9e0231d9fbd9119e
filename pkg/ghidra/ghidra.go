// Package ghidra drives the analysis tool: project creation, imports,
// analysis and decompilation.
package ghidra

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/wreckinglabs/dragonkick/pkg/project"
)

// ErrUnavailable is returned when the analysis tool can't be found or
// started.
var ErrUnavailable = errors.New("analysis tool unavailable")

// Service is the analysis tool as seen by the pipeline.
type Service interface {
	// CreateOrOpen returns the project described by the layout, creating
	// its directory if needed.
	CreateOrOpen(ctx context.Context, layout project.Layout) (Project, error)
	// Import adds the files to the project, analyzing them if asked. A
	// failing file doesn't prevent the others from being imported.
	Import(ctx context.Context, p Project, paths []string, analyze bool) ImportResult
	// Analyze runs the analysis on programs already in the project.
	Analyze(ctx context.Context, p Project, programs []string) AnalysisResult
	// DecompileAll returns every function of the program.
	DecompileAll(ctx context.Context, p Project, program string) ([]Function, error)
}

// Project is an analysis tool project.
type Project struct {
	// Location is the directory holding the project file.
	Location string
	Name     string
	File     string
	// Existed tells if the project file was there before opening.
	Existed bool
}

// ImportResult lists the programs created by an import.
type ImportResult struct {
	Programs []string
	Failures []Failure
}

// Err returns an error summarizing the failures, if any.
func (r ImportResult) Err() error {
	return summarize("importing", r.Failures)
}

// AnalysisResult lists the analyzed programs.
type AnalysisResult struct {
	Analyzed []string
	Failures []Failure
}

// Err returns an error summarizing the failures, if any.
func (r AnalysisResult) Err() error {
	return summarize("analyzing", r.Failures)
}

// Failure of an operation on a single file or program.
type Failure struct {
	Path string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Path, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Function is a decompiled function.
type Function struct {
	Name  string `json:"name"`
	Entry string `json:"entry"`
	// Signature is empty when the decompilation failed.
	Signature string `json:"signature,omitempty"`
	Code      string `json:"code,omitempty"`
	Thunk     bool   `json:"thunk"`
	Error     string `json:"error,omitempty"`
}

// Decompiled reports whether the function has exportable code.
func (f Function) Decompiled() bool {
	return !f.Thunk && len(f.Signature) != 0
}

// ProgramName is the name the analysis tool gives to the program imported
// from path.
func ProgramName(path string) string {
	return filepath.Base(path)
}

func summarize(op string, failures []Failure) error {
	switch len(failures) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s %w", op, failures[0])
	default:
		return fmt.Errorf("%s %w (and %d more)", op, failures[0], len(failures)-1)
	}
}
