// Command partsrun is a standalone driver around internal/steps for
// manually exercising one (part, step) invocation without a parts graph
// scheduler, which remains an external collaborator this core never
// depends on directly. It reads a part descriptor as JSON, runs either
// the requested step's built-in or, with -scriptlet, a scriptlet in its
// place (which may re-enter the built-in through the `default` control
// call), and prints the resulting
// StepContents as JSON, mirroring the funcmain()/main() split and
// InterruptibleContext/RunAtExit wiring of distri's cmd/distri/distri.go.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	distriparts "github.com/distr1/distri-parts"
	"github.com/distr1/distri-parts/internal/steps"
	"golang.org/x/xerrors"
)

var (
	configPath   = flag.String("config", "", "path to a JSON part descriptor (see partDescriptor)")
	stepFlag     = flag.String("step", "", "step to run: pull, overlay, build, stage, prime")
	envPath      = flag.String("env", "", "path to a build-environment script, sourced verbatim during BUILD")
	scriptlet    = flag.String("scriptlet", "", "path to a scriptlet to run instead of (or after) the built-in")
	scriptletDir = flag.String("scriptlet-workdir", "", "working directory for -scriptlet (defaults to the part's build subdir)")
	outPath      = flag.String("out", "", "path to write the resulting StepContents JSON to (default: stdout)")
	debug        = flag.Bool("debug", false, "format errors with additional detail")
)

// partDescriptor is the on-disk JSON shape -config reads; it maps
// directly onto steps.Part, steps.PartSpec and steps.DirSet so a driver
// invocation can be scripted without writing Go.
type partDescriptor struct {
	Name             string                         `json:"name"`
	PluginName       string                         `json:"plugin_name"`
	PullCommands     []string                       `json:"pull_commands"`
	BuildCommands    []string                       `json:"build_commands"`
	StageFiles       []string                       `json:"stage_files"`
	PrimeFiles       []string                       `json:"prime_files"`
	Permissions      []steps.PermissionRule         `json:"permissions"`
	DefaultPartition string                         `json:"default_partition"`
	Partitions       map[string]steps.PartitionDirs `json:"partitions"`
	RunDir           string                         `json:"run_dir"`
	SourceSubdir     string                         `json:"source_subdir"`
	BuildSubdir      string                         `json:"build_subdir"`
	ExportDir        string                         `json:"export_dir"`
	BackstageDir     string                         `json:"backstage_dir"`
}

// shellPlugin adapts a partDescriptor's command lists to steps.Plugin,
// standing in for the out-of-scope plugin registry.
type shellPlugin struct {
	pull  []string
	build []string
}

func (p shellPlugin) PullCommands() []string  { return p.pull }
func (p shellPlugin) BuildCommands() []string { return p.build }

func funcmain() error {
	flag.Parse()
	if *configPath == "" || *stepFlag == "" {
		return xerrors.New("-config and -step are required")
	}

	b, err := ioutil.ReadFile(*configPath)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", *configPath, err)
	}
	var desc partDescriptor
	if err := json.Unmarshal(b, &desc); err != nil {
		return xerrors.Errorf("parsing %s: %w", *configPath, err)
	}

	step, err := parseStep(*stepFlag)
	if err != nil {
		return err
	}

	defaultPartition := desc.DefaultPartition
	if defaultPartition == "" {
		defaultPartition = steps.DefaultPartitionName
	}

	part := &steps.Part{
		Name:       desc.Name,
		PluginName: desc.PluginName,
		Plugin:     shellPlugin{pull: desc.PullCommands, build: desc.BuildCommands},
		Spec: steps.PartSpec{
			StageFiles:  desc.StageFiles,
			PrimeFiles:  desc.PrimeFiles,
			Permissions: desc.Permissions,
		},
		Dirs: steps.DirSet{
			Partitions:   desc.Partitions,
			RunDir:       desc.RunDir,
			SourceSubdir: desc.SourceSubdir,
			BuildSubdir:  desc.BuildSubdir,
			ExportDir:    desc.ExportDir,
			BackstageDir: desc.BackstageDir,
		},
	}
	if part.Dirs.Partitions == nil {
		return xerrors.New("config must name at least the default partition's directories")
	}

	info := steps.NewMapStepInfo(step)
	info.DefaultPartitionN = defaultPartition

	var envScript string
	if *envPath != "" {
		eb, err := ioutil.ReadFile(*envPath)
		if err != nil {
			return xerrors.Errorf("reading -env: %w", err)
		}
		envScript = string(eb)
	}

	ctx, canc := distriparts.InterruptibleContext()
	defer canc()

	handler := steps.NewStepHandler(part, step, info, part.Plugin, nil, os.Stdout, os.Stderr)
	handler.EnvScript = envScript

	workDir := *scriptletDir
	if workDir == "" {
		workDir = part.Dirs.BuildSubdir
	}

	out := os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return xerrors.Errorf("creating -out: %w", err)
		}
		out = f
		distriparts.RegisterAtExit(f.Close)
	}

	var (
		contents steps.StepContents
		runErr   error
	)
	if *scriptlet != "" {
		sb, err := ioutil.ReadFile(*scriptlet)
		if err != nil {
			return xerrors.Errorf("reading -scriptlet: %w", err)
		}
		contents, runErr = handler.RunScriptlet(ctx, string(sb), "x-"+step.String(), workDir, envScript)
	} else {
		contents, runErr = handler.RunBuiltin(ctx)
	}
	if runErr != nil {
		if *debug {
			return xerrors.Errorf("%s step failed: %+v", step, runErr)
		}
		return xerrors.Errorf("%s step failed: %v", step, runErr)
	}

	encoded, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return xerrors.Errorf("marshaling result: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return distriparts.RunAtExit()
}

func parseStep(s string) (steps.Step, error) {
	switch s {
	case "pull":
		return steps.Pull, nil
	case "overlay":
		return steps.Overlay, nil
	case "build":
		return steps.Build, nil
	case "stage":
		return steps.Stage, nil
	case "prime":
		return steps.Prime, nil
	default:
		return 0, xerrors.Errorf("unknown -step %q (want pull, overlay, build, stage or prime)", s)
	}
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
