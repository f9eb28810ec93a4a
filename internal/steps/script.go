package steps

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"

	"golang.org/x/xerrors"
)

// scriptShebang is the fixed header every written script starts with.
const scriptShebang = "#!/bin/bash\nset -euo pipefail\n"

// writeScript renders commands into the fixed script format and writes
// it to scriptPath with mode 0755:
//
//	#!/bin/bash
//	set -euo pipefail
//	[source <envScript>]
//	set -x
//	<commands, one per line, unquoted>
func writeScript(scriptPath string, commands []string, envScript string) error {
	var buf bytes.Buffer
	buf.WriteString(scriptShebang)
	if envScript != "" {
		buf.WriteString("source " + envScript + "\n")
	}
	buf.WriteString("set -x\n")
	for _, c := range commands {
		buf.WriteString(c)
		buf.WriteString("\n")
	}
	if err := os.WriteFile(scriptPath, buf.Bytes(), 0755); err != nil {
		return xerrors.Errorf("write %s: %w", scriptPath, err)
	}
	if err := os.Chmod(scriptPath, 0755); err != nil {
		return xerrors.Errorf("chmod %s: %w", scriptPath, err)
	}
	return nil
}

// RunScript writes commands to scriptPath with the fixed prologue
// (sourcing envScript first, if given), then executes it with cwd as
// its working directory, streaming the child's stdout/stderr to the
// given sinks. A non-zero exit raises *ProcessError carrying the exit
// code and captured stderr.
//
// ctlSockEnv, if non-empty, is exported to the child as
// PARTS_CTL_SOCKET. The child's lifetime is tied to ctx: canceling
// ctx kills the child, which is how a fatal control-channel error
// aborts an in-flight scriptlet.
//
// Grounded on distri's exec.CommandContext + io.MultiWriter
// plumbing in internal/build/build.go (e.g. the build-step command
// loop), generalized to single-process (no os.Pipe meta-channel) since
// this core has no squashfs metadata to return over an extra file.
func RunScript(ctx context.Context, commands []string, scriptPath, cwd string, stdout, stderr io.Writer, envScript, ctlSockEnv string) error {
	if err := writeScript(scriptPath, commands, envScript); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", scriptPath)
	cmd.Dir = cwd
	cmd.Stdout = stdout

	var stderrCapture bytes.Buffer
	if stderr != nil {
		cmd.Stderr = io.MultiWriter(stderr, &stderrCapture)
	} else {
		cmd.Stderr = &stderrCapture
	}

	cmd.Env = os.Environ()
	if ctlSockEnv != "" {
		cmd.Env = append(cmd.Env, "PARTS_CTL_SOCKET="+ctlSockEnv)
	}

	if err := cmd.Run(); err != nil {
		rc := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		}
		return &ProcessError{
			Args:       cmd.Args,
			ReturnCode: rc,
			Stderr:     stderrCapture.Bytes(),
		}
	}
	return nil
}
