package steps

import (
	"strconv"
	"strings"
)

// Kind identifies one member of the structured error taxonomy.
// Kinds are grouped by the collaborator area they
// originate in; the step-execution core itself only ever constructs a
// subset of these (the execution, fileset and filesystem groups), but
// the full list is named here so external collaborators reporting
// through the same *Error type stay consistent.
type Kind int

const (
	// Parts-definition errors (reported by the out-of-scope parts
	// graph scheduler/validator; named here for completeness).
	ErrDependencyCycle Kind = iota
	ErrInvalidAppName
	ErrInvalidPartName
	ErrInvalidArchitecture
	ErrPartSpec
	ErrUndefinedPlugin
	ErrInvalidPlugin
	ErrNonStrictPlugin
	ErrUnsupportedBuildAttributes

	// Filesystem errors.
	ErrCopyTree
	ErrCopyFileNotFound
	ErrXattrRead
	ErrXattrWrite
	ErrXattrTooLong
	ErrFileOrganize

	// Fileset errors.
	ErrFileset
	ErrFilesetConflict
	ErrPartFilesConflict
	ErrStageFilesConflict

	// Host errors.
	ErrOSReleaseID
	ErrOSReleaseName
	ErrOSReleaseVersion
	ErrOSReleaseCodename

	// Execution errors.
	ErrPluginPull
	ErrPluginBuild
	ErrPluginClean
	ErrPluginEnvValidation
	ErrScriptletRun
	ErrInvalidControlAPICall

	// Packaging errors.
	ErrStagePackageNotFound
	ErrOverlayPackageNotFound
	ErrDeb

	// Feature/action errors.
	ErrFeature
	ErrInvalidAction
	ErrCallbackRegistration

	// Overlay errors.
	ErrOverlayPlatform
	ErrOverlayPermission

	// Partition errors.
	ErrPartition
	ErrPartitionUsage
	ErrPartitionUsageWarning
	ErrPartitionNotFound

	// Filesystem mount / misc.
	ErrFilesystemMount
	ErrFeatures
)

// Error is the structured record every taxonomy member is reported as.
// It satisfies the error interface via Error(), and Unwrap() exposes any
// wrapped collaborator error so callers can use errors.As/errors.Is the
// way distri's callers use xerrors.Errorf("%w", err) wrapping.
type Error struct {
	Kind       Kind
	Brief      string
	Details    string
	Resolution string
	DocSlug    string

	// Part and Plugin name the part/plugin involved, when applicable
	// (plugin pull/build errors, scriptlet run errors).
	Part   string
	Plugin string

	// Stderr is the captured stderr of a failed process, for
	// ErrPluginPull, ErrPluginBuild and ErrScriptletRun. DetailsView()
	// derives the shell-trace tail from it on demand if Details was
	// left empty.
	Stderr []byte

	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Brief != "" {
		return e.Brief
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "parts error"
}

func (e *Error) Unwrap() error { return e.Cause }

// DetailsView returns e.Details if set, otherwise derives the last three
// shell-trace lines ("+"-prefixed, from `set -x`) out of e.Stderr, each
// prefixed with ":: " on its own line. This is the details view used
// for plugin-build and scriptlet-run errors, the same last-three-lines
// shell trace a similar build system keeps via a size-3 deque of
// "+"-prefixed lines while scanning stderr.
func (e *Error) DetailsView() string {
	if e.Details != "" {
		return e.Details
	}
	return lastTraceLines(e.Stderr)
}

func lastTraceLines(stderr []byte) string {
	lines := strings.Split(strings.TrimRight(string(stderr), "\n"), "\n")
	var trace []string
	for _, l := range lines {
		if strings.HasPrefix(l, "+") {
			trace = append(trace, l)
		}
	}
	if len(trace) > 3 {
		trace = trace[len(trace)-3:]
	}
	out := make([]string, len(trace))
	for i, l := range trace {
		out[i] = ":: " + l
	}
	return strings.Join(out, "\n")
}

// ProcessError reports a non-zero exit from a child process run by the
// script runner. The step handler turns this into an ErrPluginPull,
// ErrPluginBuild or ErrScriptletRun *Error depending on the caller
// context.
type ProcessError struct {
	Args       []string
	ReturnCode int
	Stderr     []byte
}

func (e *ProcessError) Error() string {
	return "process exited with code " + strconv.Itoa(e.ReturnCode)
}
