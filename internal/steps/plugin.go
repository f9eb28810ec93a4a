package steps

import (
	"context"
	"fmt"
)

// Plugin is the external collaborator that supplies a part's ordered
// shell commands for the PULL and BUILD built-ins. Plugin registry and
// plugin implementations live outside this package.
type Plugin interface {
	// PullCommands returns the ordered shell commands to run during
	// PULL, after any attached SourceHandler.Pull has completed.
	PullCommands() []string

	// BuildCommands returns the ordered shell commands to run during
	// BUILD.
	BuildCommands() []string
}

// SourceHandler performs source acquisition ahead of a plugin's pull
// commands. Source acquisition itself is out of scope for this package;
// only the interface the step handler calls is defined here.
type SourceHandler interface {
	Pull(ctx context.Context) error
}

// StepInfo carries per-invocation context the parts graph scheduler
// resolves: the step currently being executed, the default partition
// name, and read/write access to project variables (the state a
// scriptlet's `set`/`get` control commands mutate).
type StepInfo interface {
	CurrentStep() Step
	DefaultPartition() string
	GetProjectVar(name string, rawRead bool) (string, error)
	SetProjectVar(name, value string) error
}

// MapStepInfo is an in-memory StepInfo, useful for tests and for
// standalone callers that do not need project-variable expansion.
type MapStepInfo struct {
	Step              Step
	DefaultPartitionN string
	Vars              map[string]string
}

func NewMapStepInfo(step Step) *MapStepInfo {
	return &MapStepInfo{
		Step:              step,
		DefaultPartitionN: DefaultPartitionName,
		Vars:              make(map[string]string),
	}
}

func (m *MapStepInfo) CurrentStep() Step { return m.Step }

func (m *MapStepInfo) DefaultPartition() string {
	if m.DefaultPartitionN == "" {
		return DefaultPartitionName
	}
	return m.DefaultPartitionN
}

func (m *MapStepInfo) GetProjectVar(name string, rawRead bool) (string, error) {
	v, ok := m.Vars[name]
	if !ok {
		return "", &Error{Kind: ErrInvalidControlAPICall, Brief: fmt.Sprintf("unknown project variable %q", name)}
	}
	return v, nil
}

func (m *MapStepInfo) SetProjectVar(name, value string) error {
	if m.Vars == nil {
		m.Vars = make(map[string]string)
	}
	m.Vars[name] = value
	return nil
}
