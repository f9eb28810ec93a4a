package steps

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakePlugin struct {
	pull, build []string
}

func (p fakePlugin) PullCommands() []string  { return p.pull }
func (p fakePlugin) BuildCommands() []string { return p.build }

func newSingleTreePart(t *testing.T, name string) (*Part, string) {
	t.Helper()
	run := t.TempDir()
	install := t.TempDir()
	stage := t.TempDir()
	prime := t.TempDir()
	part := &Part{
		Name:       name,
		PluginName: "make",
		Dirs: DirSet{
			Partitions: map[string]PartitionDirs{
				"default": {InstallDir: install, StageDir: stage, PrimeDir: prime},
			},
			RunDir:       run,
			SourceSubdir: filepath.Join(run, "src"),
			BuildSubdir:  filepath.Join(run, "build"),
			ExportDir:    filepath.Join(run, "export"),
			BackstageDir: filepath.Join(run, "backstage"),
		},
	}
	return part, run
}

// TestStepHandlerRunBuildHappyPath checks that a BUILD invocation
// writes environment.sh and build.sh with the expected contents and
// returns empty StepContents.
func TestStepHandlerRunBuildHappyPath(t *testing.T) {
	part, run := newSingleTreePart(t, "foo")
	if err := os.MkdirAll(part.Dirs.BuildSubdir, 0755); err != nil {
		t.Fatal(err)
	}

	info := NewMapStepInfo(Build)
	var stdout, stderr bytes.Buffer
	h := NewStepHandler(part, Build, info, fakePlugin{build: []string{"echo building"}}, nil, &stdout, &stderr)
	h.EnvScript = "export CC=gcc\n"

	contents, err := h.RunBuiltin(context.Background())
	if err != nil {
		t.Fatalf("RunBuiltin failed: %v, stderr: %s", err, stderr.String())
	}

	want := StepContents{"default": &PartitionContents{}}
	if diff := cmp.Diff(want, contents); diff != "" {
		t.Errorf("StepContents diff (-want +got):\n%s", diff)
	}

	env, err := os.ReadFile(filepath.Join(run, "environment.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if string(env) != "export CC=gcc\n" {
		t.Errorf("environment.sh = %q, want %q", env, "export CC=gcc\n")
	}

	script, err := os.ReadFile(filepath.Join(run, "build.sh"))
	if err != nil {
		t.Fatal(err)
	}
	wantScript := "#!/bin/bash\nset -euo pipefail\nsource " + filepath.Join(run, "environment.sh") + "\nset -x\necho building\n"
	if string(script) != wantScript {
		t.Errorf("build.sh = %q, want %q", script, wantScript)
	}
}

func TestStepHandlerRunBuildPropagatesPluginError(t *testing.T) {
	part, _ := newSingleTreePart(t, "foo")
	if err := os.MkdirAll(part.Dirs.BuildSubdir, 0755); err != nil {
		t.Fatal(err)
	}
	info := NewMapStepInfo(Build)
	var stdout, stderr bytes.Buffer
	h := NewStepHandler(part, Build, info, fakePlugin{build: []string{"echo boom >&2", "exit 7"}}, nil, &stdout, &stderr)

	_, err := h.RunBuiltin(context.Background())
	if err == nil {
		t.Fatal("expected the failing build command to produce an error")
	}
	stepErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error = %T, want *Error", err)
	}
	if stepErr.Kind != ErrPluginBuild {
		t.Errorf("Kind = %v, want ErrPluginBuild", stepErr.Kind)
	}
	if !bytes.Contains(stepErr.Stderr, []byte("boom")) {
		t.Errorf("captured stderr = %q, want it to contain %q", stepErr.Stderr, "boom")
	}
}

// TestStepHandlerRunStagePartitioned exercises two partitions, the
// on-disk "(kernel)/" convention, and pkg-config fixup applied to
// the default partition's .pc files.
func TestStepHandlerRunStagePartitioned(t *testing.T) {
	run := t.TempDir()
	install := t.TempDir()
	stageDefault := t.TempDir()
	stageKernel := t.TempDir()

	mustWriteFile(t, filepath.Join(install, "usr", "bin", "tool"), "bin")
	mustWriteFile(t, filepath.Join(install, "lib", "pkgconfig", "foo.pc"), "prefix="+install+"\n")
	mustWriteFile(t, filepath.Join(install, "(kernel)", "lib", "mod.ko"), "ko")

	part := &Part{
		Name: "foo",
		Dirs: DirSet{
			Partitions: map[string]PartitionDirs{
				"default": {InstallDir: install, StageDir: stageDefault},
				"kernel":  {InstallDir: install, StageDir: stageKernel},
			},
			RunDir:       run,
			ExportDir:    t.TempDir(),
			BackstageDir: t.TempDir(),
		},
		Spec: PartSpec{StageFiles: []string{"usr/**", "lib/pkgconfig/*", "(kernel)/lib/*"}},
	}

	info := NewMapStepInfo(Stage)
	var stdout, stderr bytes.Buffer
	h := NewStepHandler(part, Stage, info, fakePlugin{}, nil, &stdout, &stderr)

	contents, err := h.RunBuiltin(context.Background())
	if err != nil {
		t.Fatalf("RunBuiltin failed: %v", err)
	}

	defContents, ok := contents["default"]
	if !ok {
		t.Fatal("missing default partition contents")
	}
	if diff := cmp.Diff([]string{"lib/pkgconfig/foo.pc", "usr/bin/tool"}, defContents.Files); diff != "" {
		t.Errorf("default partition files diff (-want +got):\n%s", diff)
	}

	pc, err := os.ReadFile(filepath.Join(stageDefault, "lib", "pkgconfig", "foo.pc"))
	if err != nil {
		t.Fatal(err)
	}
	if string(pc) != "prefix="+stageDefault+"\n" {
		t.Errorf("staged foo.pc = %q, want prefix rewritten to %q", pc, stageDefault)
	}

	kernContents, ok := contents["kernel"]
	if !ok {
		t.Fatal("missing kernel partition contents")
	}
	if diff := cmp.Diff([]string{"lib/mod.ko"}, kernContents.Files); diff != "" {
		t.Errorf("kernel partition files diff (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(stageKernel, "lib", "mod.ko")); err != nil {
		t.Errorf("kernel module not migrated to kernel stage dir: %v", err)
	}
}

// TestStepHandlerRunStagePartitionedBackstageExcludesOtherPartitions
// checks that backstage resolution during a partitioned STAGE only
// picks up default-partition content from the export dir: an export
// entry prefixed "(kernel)/" must not leak into the backstage dir.
func TestStepHandlerRunStagePartitionedBackstageExcludesOtherPartitions(t *testing.T) {
	run := t.TempDir()
	install := t.TempDir()
	export := t.TempDir()
	backstage := t.TempDir()
	stageDefault := t.TempDir()
	stageKernel := t.TempDir()

	mustWriteFile(t, filepath.Join(install, "usr", "bin", "tool"), "bin")
	mustWriteFile(t, filepath.Join(export, "notes.txt"), "n")
	mustWriteFile(t, filepath.Join(export, "(kernel)", "modinfo"), "m")

	part := &Part{
		Name: "foo",
		Dirs: DirSet{
			Partitions: map[string]PartitionDirs{
				"default": {InstallDir: install, StageDir: stageDefault},
				"kernel":  {InstallDir: install, StageDir: stageKernel},
			},
			RunDir:       run,
			ExportDir:    export,
			BackstageDir: backstage,
		},
		Spec: PartSpec{StageFiles: []string{"usr/**"}},
	}

	info := NewMapStepInfo(Stage)
	var stdout, stderr bytes.Buffer
	h := NewStepHandler(part, Stage, info, fakePlugin{}, nil, &stdout, &stderr)

	contents, err := h.RunBuiltin(context.Background())
	if err != nil {
		t.Fatalf("RunBuiltin failed: %v", err)
	}

	defContents, ok := contents["default"]
	if !ok {
		t.Fatal("missing default partition contents")
	}
	if diff := cmp.Diff([]string{"notes.txt"}, defContents.BackstageFiles); diff != "" {
		t.Errorf("backstage files diff (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(backstage, "(kernel)", "modinfo")); err == nil {
		t.Errorf("kernel-partitioned export entry leaked into backstage dir")
	}
}

// TestStepHandlerRunPrimeDefaultsToStage checks that empty
// prime_files means PRIME primes everything STAGE did. PRIME resolves
// the fileset against the install dir and copies from the stage dir,
// so both trees hold the files, as they would after STAGE.
func TestStepHandlerRunPrimeDefaultsToStage(t *testing.T) {
	part, _ := newSingleTreePart(t, "foo")
	mustWriteFile(t, filepath.Join(part.Dirs.Partitions["default"].InstallDir, "usr", "bin", "tool"), "bin")
	mustWriteFile(t, filepath.Join(part.Dirs.Partitions["default"].InstallDir, "usr", "share", "doc", "readme"), "doc")
	mustWriteFile(t, filepath.Join(part.Dirs.Partitions["default"].StageDir, "usr", "bin", "tool"), "bin")
	mustWriteFile(t, filepath.Join(part.Dirs.Partitions["default"].StageDir, "usr", "share", "doc", "readme"), "doc")
	part.Spec.StageFiles = []string{"usr/**"}

	info := NewMapStepInfo(Prime)
	var stdout, stderr bytes.Buffer
	h := NewStepHandler(part, Prime, info, fakePlugin{}, nil, &stdout, &stderr)

	contents, err := h.RunBuiltin(context.Background())
	if err != nil {
		t.Fatalf("RunBuiltin failed: %v", err)
	}

	want := []string{"usr/bin/tool", "usr/share/doc/readme"}
	if diff := cmp.Diff(want, contents["default"].Files); diff != "" {
		t.Errorf("primed files diff (-want +got):\n%s", diff)
	}

	primeDir := part.Dirs.Partitions["default"].PrimeDir
	if _, err := os.Stat(filepath.Join(primeDir, "usr", "bin", "tool")); err != nil {
		t.Errorf("tool not migrated into prime dir: %v", err)
	}
}

// ctlClientScript is a minimal control-channel client a scriptlet uses
// to invoke a command over $PARTS_CTL_SOCKET, since this core ships no
// dedicated client binary; that tooling is an external collaborator's
// concern.
const ctlClientScript = `python3 -c "
import json, os, socket, sys
s = socket.socket(socket.AF_UNIX, socket.SOCK_STREAM)
s.connect(os.environ['PARTS_CTL_SOCKET'])
s.sendall(json.dumps({'function': sys.argv[1], 'args': sys.argv[2:]}).encode())
s.shutdown(socket.SHUT_WR)
sys.stdout.write(s.recv(4096).decode())
" %s
`

func requirePython3(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not found in $PATH")
	}
}

// TestStepHandlerRunScriptletDefaultReentersBuiltin checks that a
// scriptlet invoking `default` during BUILD causes the built-in to
// run, and its StepContents become the result.
func TestStepHandlerRunScriptletDefaultReentersBuiltin(t *testing.T) {
	requirePython3(t)

	part, run := newSingleTreePart(t, "foo")
	if err := os.MkdirAll(part.Dirs.BuildSubdir, 0755); err != nil {
		t.Fatal(err)
	}

	info := NewMapStepInfo(Build)
	var stdout, stderr bytes.Buffer
	h := NewStepHandler(part, Build, info, fakePlugin{build: []string{"echo built"}}, nil, &stdout, &stderr)

	script := fmt.Sprintf(ctlClientScript, "default")
	contents, err := h.RunScriptlet(context.Background(), script, "x-build", part.Dirs.BuildSubdir, "")
	if err != nil {
		t.Fatalf("RunScriptlet failed: %v, stderr: %s", err, stderr.String())
	}

	want := StepContents{"default": &PartitionContents{}}
	if diff := cmp.Diff(want, contents); diff != "" {
		t.Errorf("StepContents diff (-want +got):\n%s", diff)
	}

	env, err := os.ReadFile(filepath.Join(run, "environment.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if len(env) != 0 {
		t.Errorf("environment.sh = %q, want empty EnvScript to produce an empty file", env)
	}
}

// TestStepHandlerRunScriptletBuildErrorPropagatesAsPluginBuildError checks
// that an error raised through `default` propagates as the
// original plugin-build error, not as a generic scriptlet-run or ERR.
func TestStepHandlerRunScriptletBuildErrorPropagatesAsPluginBuildError(t *testing.T) {
	requirePython3(t)

	part, _ := newSingleTreePart(t, "foo")
	if err := os.MkdirAll(part.Dirs.BuildSubdir, 0755); err != nil {
		t.Fatal(err)
	}

	info := NewMapStepInfo(Build)
	var stdout, stderr bytes.Buffer
	h := NewStepHandler(part, Build, info, fakePlugin{build: []string{"exit 5"}}, nil, &stdout, &stderr)

	script := fmt.Sprintf(ctlClientScript, "default")
	_, err := h.RunScriptlet(context.Background(), script, "x-build", part.Dirs.BuildSubdir, "")
	if err == nil {
		t.Fatal("expected the default-invoked build failure to propagate")
	}
	stepErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error = %T, want *Error", err)
	}
	if stepErr.Kind != ErrPluginBuild {
		t.Errorf("Kind = %v, want ErrPluginBuild (not wrapped as ErrScriptletRun)", stepErr.Kind)
	}
}
