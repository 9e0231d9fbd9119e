package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wreckinglabs/dragonkick/pkg/testingx"
)

func TestCommand_Configure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dragonkick.conf")
	testingx.WriteFile(t, path, []byte("# empty\n"))

	type testcase struct {
		args        []string
		wantTargets []string
		wantForce   bool
		wantDeps    bool
	}

	for n, c := range map[string]testcase{
		"options first": {
			args:        []string{"-n", "proj", "-F", "-a", "./bin/ls"},
			wantTargets: []string{"./bin/ls"},
			wantForce:   true,
			wantDeps:    true,
		},
		"options after the targets": {
			args:        []string{"-n", "proj", "./bin/ls", "-F", "-a"},
			wantTargets: []string{"./bin/ls"},
			wantForce:   true,
			wantDeps:    true,
		},
		"options between the targets": {
			args:        []string{"./bin/ls", "--force-remove", "./bin/cat", "-project-name", "proj"},
			wantTargets: []string{"./bin/ls", "./bin/cat"},
			wantForce:   true,
		},
	} {
		t.Run(n, func(t *testing.T) {
			args := os.Args
			defer func() { os.Args = args }()
			os.Args = append([]string{"dragonkick", "-conf", path}, c.args...)

			var cmd command
			cmd.configure()

			if diff := cmp.Diff(c.wantTargets, cmd.opts.Targets); diff != "" {
				t.Errorf(`configure: unexpected targets (-want +got):\n%s`, diff)
			}
			if cmd.opts.ForceRemove != c.wantForce {
				t.Errorf(`configure: wanted force-remove %t, got %t`, c.wantForce, cmd.opts.ForceRemove)
			}
			if cmd.opts.DependencyAnalysis != c.wantDeps {
				t.Errorf(`configure: wanted dependency analysis %t, got %t`, c.wantDeps, cmd.opts.DependencyAnalysis)
			}
			if cmd.opts.Layout.Name != "proj" {
				t.Errorf(`configure: wanted project proj, got %q`, cmd.opts.Layout.Name)
			}
		})
	}
}
