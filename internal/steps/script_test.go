package steps

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

// TestRunScriptPrologue checks the exact generated script contents:
// shebang, set -euo pipefail, optional sourced env script, set -x,
// then commands verbatim, one per line.
func TestRunScriptPrologue(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "build.sh")
	envPath := filepath.Join(dir, "environment.sh")
	if err := os.WriteFile(envPath, []byte("export A=1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if err := RunScript(context.Background(), []string{"echo hi"}, scriptPath, dir, &stdout, &stderr, envPath, ""); err != nil {
		t.Fatalf("RunScript failed: %v, stderr: %s", err, stderr.String())
	}

	got, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatal(err)
	}
	want := "#!/bin/bash\nset -euo pipefail\nsource " + envPath + "\nset -x\necho hi\n"
	if string(got) != want {
		t.Errorf("script contents = %q, want %q", got, want)
	}

	fi, err := os.Stat(scriptPath)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0755 {
		t.Errorf("script mode = %o, want %o", fi.Mode().Perm(), 0755)
	}

	if stdout.String() != "hi\n" {
		t.Errorf("stdout = %q, want %q", stdout.String(), "hi\n")
	}
}

func TestRunScriptNoEnvScript(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "pull.sh")

	var stdout, stderr bytes.Buffer
	if err := RunScript(context.Background(), []string{"true"}, scriptPath, dir, &stdout, &stderr, "", ""); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatal(err)
	}
	want := "#!/bin/bash\nset -euo pipefail\nset -x\ntrue\n"
	if string(got) != want {
		t.Errorf("script contents = %q, want %q", got, want)
	}
}

func TestRunScriptNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "fail.sh")

	var stdout, stderr bytes.Buffer
	err := RunScript(context.Background(), []string{"echo boom >&2", "exit 3"}, scriptPath, dir, &stdout, &stderr, "", "")
	if err == nil {
		t.Fatal("expected a process error")
	}
	procErr, ok := err.(*ProcessError)
	if !ok {
		t.Fatalf("error = %T, want *ProcessError", err)
	}
	if procErr.ReturnCode != 3 {
		t.Errorf("ReturnCode = %d, want 3", procErr.ReturnCode)
	}
	if !bytes.Contains(procErr.Stderr, []byte("boom")) {
		t.Errorf("captured stderr = %q, want it to contain %q", procErr.Stderr, "boom")
	}
}
