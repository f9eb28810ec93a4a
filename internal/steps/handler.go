package steps

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"

	"github.com/distr1/distri-parts/internal/env"
)

// StepHandler dispatches the built-in action for one (part, step)
// invocation and, optionally, runs a scriptlet in its place or
// alongside it. One StepHandler is constructed per invocation; it owns
// no state surviving the call.
//
// Grounded on distri's Ctx type in internal/build/build.go, which
// is likewise constructed per package build and carries the plugin
// dispatch (buildc/buildcmake/buildmeson/...) this handler generalizes
// to the five-step pipeline.
type StepHandler struct {
	Part   *Part
	Step   Step
	Info   StepInfo
	Plugin Plugin
	Source SourceHandler // optional; nil if the part has no source handler attached

	Stdout io.Writer
	Stderr io.Writer

	// EnvScript is the caller-supplied build-environment script
	// contents, written verbatim to environment.sh during BUILD.
	EnvScript string
}

// NewStepHandler constructs a handler for one invocation.
func NewStepHandler(part *Part, step Step, info StepInfo, plugin Plugin, source SourceHandler, stdout, stderr io.Writer) *StepHandler {
	return &StepHandler{
		Part:   part,
		Step:   step,
		Info:   info,
		Plugin: plugin,
		Source: source,
		Stdout: stdout,
		Stderr: stderr,
	}
}

// partitionNames returns the partitions this part produces output for,
// default partition first. A part whose directory set names exactly one
// partition (the default) is treated as single-tree mode by the STAGE
// and PRIME built-ins below; more than one name means partitioned mode.
//
// This core takes partition membership from Part.Dirs.Partitions rather
// than a separate explicit list, since every partition a part can target
// must already have directories resolved for it.
func (h *StepHandler) partitionNames() []string {
	def := h.Info.DefaultPartition()
	names := make([]string, 0, len(h.Part.Dirs.Partitions))
	for n := range h.Part.Dirs.Partitions {
		if n != def {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return append([]string{def}, names...)
}

func (h *StepHandler) partitioned() bool {
	return len(h.Part.Dirs.Partitions) > 1
}

func (h *StepHandler) knownPartitions() Partitions {
	return NewPartitions(h.partitionNames(), h.Info.DefaultPartition())
}

func emptyContents(defaultPartition string) StepContents {
	return StepContents{defaultPartition: &PartitionContents{}}
}

func processErrStderr(err error) []byte {
	if pe, ok := err.(*ProcessError); ok {
		return pe.Stderr
	}
	return nil
}

// RunBuiltin performs the step's built-in action and
// returns the StepContents it wrote.
func (h *StepHandler) RunBuiltin(ctx context.Context) (StepContents, error) {
	switch h.Step {
	case Pull:
		return h.runPull(ctx)
	case Overlay:
		return emptyContents(h.Info.DefaultPartition()), nil
	case Build:
		return h.runBuild(ctx)
	case Stage:
		return h.runStage(ctx)
	case Prime:
		return h.runPrime(ctx)
	default:
		panic(fmt.Sprintf("steps: unhandled step %v", h.Step))
	}
}

func (h *StepHandler) runPull(ctx context.Context) (StepContents, error) {
	if h.Source != nil {
		if err := h.Source.Pull(ctx); err != nil {
			return nil, &Error{Kind: ErrPluginPull, Brief: fmt.Sprintf("source pull failed for part %q", h.Part.Name), Part: h.Part.Name, Cause: xerrors.Errorf("source pull %q: %w", h.Part.Name, err)}
		}
	}

	cmds := h.Plugin.PullCommands()
	if len(cmds) > 0 {
		scriptPath := filepath.Join(h.Part.Dirs.RunDir, "pull.sh")
		if err := RunScript(ctx, cmds, scriptPath, h.Part.Dirs.SourceSubdir, h.Stdout, h.Stderr, "", ""); err != nil {
			return nil, &Error{
				Kind:   ErrPluginPull,
				Brief:  fmt.Sprintf("pull failed for part %q", h.Part.Name),
				Part:   h.Part.Name,
				Plugin: h.Part.PluginName,
				Stderr: processErrStderr(err),
				Cause:  xerrors.Errorf("pull part %q: %w", h.Part.Name, err),
			}
		}
	}

	return emptyContents(h.Info.DefaultPartition()), nil
}

func (h *StepHandler) runBuild(ctx context.Context) (StepContents, error) {
	envPath := filepath.Join(h.Part.Dirs.RunDir, "environment.sh")
	if err := os.WriteFile(envPath, []byte(h.EnvScript), 0644); err != nil {
		return nil, &Error{Kind: ErrFileOrganize, Brief: "write " + envPath, Cause: xerrors.Errorf("write %s: %w", envPath, err)}
	}

	cmds := h.Plugin.BuildCommands()
	scriptPath := filepath.Join(h.Part.Dirs.RunDir, "build.sh")
	if err := RunScript(ctx, cmds, scriptPath, h.Part.Dirs.BuildSubdir, h.Stdout, h.Stderr, envPath, ""); err != nil {
		return nil, &Error{
			Kind:   ErrPluginBuild,
			Brief:  fmt.Sprintf("build failed for part %q", h.Part.Name),
			Part:   h.Part.Name,
			Plugin: h.Part.PluginName,
			Stderr: processErrStderr(err),
			Cause:  xerrors.Errorf("build part %q: %w", h.Part.Name, err),
		}
	}

	return emptyContents(h.Info.DefaultPartition()), nil
}

func (h *StepHandler) runStage(ctx context.Context) (StepContents, error) {
	def := h.Info.DefaultPartition()
	partitioned := h.partitioned()
	known := h.knownPartitions()

	stageFS := NewFileset("stage", h.Part.Spec.StageFiles, def)

	var backstageFS *Fileset
	if partitioned {
		backstageFS = NewFileset("backstage", []string{"(" + def + ")/*"}, def)
	} else {
		backstageFS = NewFileset("backstage", []string{"*"}, def)
	}

	contents := make(StepContents)
	for _, p := range h.partitionNames() {
		installDir := h.Part.InstallDir(p)
		stageDir := h.Part.StageDir(p)

		target := ""
		if partitioned {
			target = p
		}
		files, dirs, err := MigratableFilesets(stageFS, installDir, def, target, partitioned, known)
		if err != nil {
			return nil, err
		}

		// Resolved paths have their "(p)/" prefix stripped, so a
		// non-default partition's files are read from the "(p)"
		// subtree of the install dir they were found in.
		srcDir := installDir
		if partitioned && p != def {
			srcDir = filepath.Join(installDir, "("+p+")")
		}

		fixup := PkgConfigFixup(installDir, stageDir)
		migratedFiles, migratedDirs, err := MigrateFiles(files, dirs, srcDir, stageDir, fixup, nil)
		if err != nil {
			return nil, err
		}

		pc := &PartitionContents{Files: migratedFiles, Dirs: migratedDirs}

		if p == def {
			bsFiles, bsDirs, err := MigratableFilesets(backstageFS, h.Part.Dirs.ExportDir, def, def, true, nil)
			if err != nil {
				return nil, err
			}
			bsMigratedFiles, bsMigratedDirs, err := MigrateFiles(bsFiles, bsDirs, h.Part.Dirs.ExportDir, h.Part.Dirs.BackstageDir, nil, nil)
			if err != nil {
				return nil, err
			}
			pc.BackstageFiles = bsMigratedFiles
			pc.BackstageDirs = bsMigratedDirs
		}

		contents[p] = pc
	}

	return contents, nil
}

func (h *StepHandler) runPrime(ctx context.Context) (StepContents, error) {
	def := h.Info.DefaultPartition()
	partitioned := h.partitioned()
	known := h.knownPartitions()

	stageFS := NewFileset("stage", h.Part.Spec.StageFiles, def)
	primeFS := NewFileset("prime", h.Part.Spec.PrimeFiles, def)
	if primeFS.isWildcardOnly() {
		primeFS = primeFS.Combine(stageFS)
	}

	contents := make(StepContents)
	for _, p := range h.partitionNames() {
		installDir := h.Part.InstallDir(p)
		stageDir := h.Part.StageDir(p)
		primeDir := h.Part.PrimeDir(p)

		target := ""
		if partitioned {
			target = p
		}
		files, dirs, err := MigratableFilesets(primeFS, installDir, def, target, partitioned, known)
		if err != nil {
			return nil, err
		}

		migratedFiles, migratedDirs, err := MigrateFiles(files, dirs, stageDir, primeDir, nil, h.Part.Spec.Permissions)
		if err != nil {
			return nil, err
		}

		contents[p] = &PartitionContents{Files: migratedFiles, Dirs: migratedDirs}
	}

	return contents, nil
}

// partEnvironment renders the PARTS_PART_NAME/PARTS_PART_SRC/
// PARTS_PART_BUILD/PARTS_PART_INSTALL/PARTS_STAGE/PARTS_PRIME exports a
// scriptlet needs to find its own paths, in addition to PARTS_CTL_SOCKET.
// The PARTS_ prefix keeps naming consistent with PARTS_CTL_SOCKET. Values
// are taken for the step's default partition, since a scriptlet runs once
// per step invocation, not once per partition.
func (h *StepHandler) partEnvironment() string {
	def := h.Info.DefaultPartition()
	return fmt.Sprintf(
		"export PARTS_PART_NAME=%s\nexport PARTS_PART_SRC=%s\nexport PARTS_PART_BUILD=%s\nexport PARTS_PART_INSTALL=%s\nexport PARTS_STAGE=%s\nexport PARTS_PRIME=%s\n",
		h.Part.Name,
		h.Part.Dirs.SourceSubdir,
		h.Part.Dirs.BuildSubdir,
		h.Part.InstallDir(def),
		h.Part.StageDir(def),
		h.Part.PrimeDir(def),
	)
}

// RunScriptlet runs script in place of (or after) the step's built-in,
// mediating the control channel for its duration.
// envScript is the caller-supplied environment the scriptlet should see
// in addition to PARTS_CTL_SOCKET. A `default` control call re-enters
// RunBuiltin synchronously; its StepContents become the result of this
// call. If the scriptlet never invokes `default`, an empty StepContents
// is returned, matching a scriptlet that fully replaces the built-in
// with unrelated side effects.
func (h *StepHandler) RunScriptlet(ctx context.Context, script, name, workDir, envScript string) (StepContents, error) {
	tempDir, err := os.MkdirTemp(env.ScriptletTempBase, "parts-scriptlet-")
	if err != nil {
		return nil, &Error{Kind: ErrFileOrganize, Brief: "create scriptlet temp dir", Cause: xerrors.Errorf("create scriptlet temp dir: %w", err)}
	}
	defer os.RemoveAll(tempDir)

	var lastContents StepContents

	handler := ControlHandler{
		Default: func(ctx context.Context) error {
			contents, err := h.RunBuiltin(ctx)
			if err != nil {
				return err
			}
			lastContents = contents
			return nil
		},
		Set: func(key, value string) error {
			return h.Info.SetProjectVar(key, value)
		},
		Get: func(name string) (string, error) {
			return h.Info.GetProjectVar(name, true)
		},
	}

	srv, err := NewControlServer(tempDir, handler)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidControlAPICall, Brief: "start control channel", Cause: xerrors.Errorf("start control channel: %w", err)}
	}
	scriptCtx := srv.Start(ctx)

	envPath := filepath.Join(tempDir, "scriptlet_environment.sh")
	envContent := "export " + CtlSocketEnv + "=" + srv.Path() + "\n" + h.partEnvironment() + envScript
	if err := os.WriteFile(envPath, []byte(envContent), 0644); err != nil {
		srv.Close()
		return nil, &Error{Kind: ErrFileOrganize, Brief: "write " + envPath, Cause: xerrors.Errorf("write %s: %w", envPath, err)}
	}

	scriptPath := filepath.Join(tempDir, "scriptlet.sh")
	runErr := RunScript(scriptCtx, []string{script}, scriptPath, workDir, h.Stdout, h.Stderr, envPath, srv.Path())

	fatal := srv.Close()
	if fatal != nil {
		// A default-invoked built-in error propagates as itself, not as
		// a scriptlet-run error: it aborted the control server, so the
		// scriptlet run aborts with it.
		return nil, fatal
	}
	if runErr != nil {
		return nil, &Error{
			Kind:   ErrScriptletRun,
			Brief:  fmt.Sprintf("scriptlet %q failed for part %q", name, h.Part.Name),
			Part:   h.Part.Name,
			Stderr: processErrStderr(runErr),
			Cause:  xerrors.Errorf("scriptlet %q: %w", name, runErr),
		}
	}
	if lastContents != nil {
		return lastContents, nil
	}
	return emptyContents(h.Info.DefaultPartition()), nil
}
