// Package kick runs the whole pipeline: resolving the targets and their
// dependencies, importing them into an analysis project, analyzing them,
// and exporting the decompiled sources.
package kick

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/wreckinglabs/dragonkick/pkg/ghidra"
	"github.com/wreckinglabs/dragonkick/pkg/project"
)

// Exit codes, as defined by sysexits.h.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitDataErr     = 65
	ExitNoInput     = 66
	ExitUnavailable = 69
	ExitSoftware    = 70
	ExitCantCreate  = 73
	ExitIOErr       = 74
)

var (
	// ErrNoInput is returned when a target is missing, or when no target
	// is left to import.
	ErrNoInput = errors.New("no input")
	// ErrProjectExists is returned when the project already exists and
	// re-importing wasn't forced.
	ErrProjectExists = errors.New("project already exists")
	// ErrUnresolved is returned in strict mode when some dependencies
	// couldn't be resolved.
	ErrUnresolved = errors.New("unresolved dependencies")
)

// ExitCode returns the process exit code for the error.
func ExitCode(err error) int {
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNoInput):
		return ExitNoInput
	case errors.Is(err, ErrProjectExists):
		return ExitCantCreate
	case errors.Is(err, ErrUnresolved):
		return ExitDataErr
	case errors.Is(err, ghidra.ErrUnavailable):
		return ExitUnavailable
	case errors.Is(err, context.Canceled):
		return ExitFailure
	case errors.As(err, &pathErr):
		return ExitIOErr
	default:
		return ExitSoftware
	}
}

// Options of the pipeline.
type Options struct {
	// Targets are paths or glob patterns, relative to the sysroot when
	// there is one.
	Targets []string
	// IgnoreMissing skips the missing targets instead of failing.
	IgnoreMissing bool

	Layout project.Layout
	// ForceRemove removes the existing project first.
	ForceRemove bool
	// ForceImport imports into an existing project.
	ForceImport bool
	// RemoveExistingBinaries removes the binaries copied by a previous run.
	RemoveExistingBinaries bool
	// CopyToProject copies the targets and dependencies into the project.
	CopyToProject bool

	SkipDependencyImport bool
	DependencyAnalysis   bool
	SkipTargetAnalysis   bool
	// Decompile exports the decompiled functions of the targets.
	Decompile bool

	// Zip archives the project once done.
	Zip bool
	// StartTool opens the project in the analysis tool once done.
	StartTool bool
}

// Progress is notified of the advancement of the long steps.
type Progress interface {
	// Begin a step of total items.
	Begin(step string, total int)
	// Advance after processing an item.
	Advance(item string)
	// End the current step.
	End()
}

// Starter is implemented by the services able to open a project in the
// user interface.
type Starter interface {
	Start(ctx context.Context, p ghidra.Project) error
}

type noProgress struct{}

func (noProgress) Begin(string, int) {}
func (noProgress) Advance(string)    {}
func (noProgress) End()              {}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
