// Package steps implements the step-execution core of the distri-parts
// build engine: given one part and one target step, it performs the
// step's built-in action, optionally runs a scriptlet, mediates the
// scriptlet control channel, and reports the files and directories the
// step contributed to each partition.
package steps

import "fmt"

// Step identifies one stage of the five-step pipeline. The zero value is
// not a valid step; use the exported constants.
type Step int

const (
	Pull Step = iota + 1
	Overlay
	Build
	Stage
	Prime
)

var stepNames = map[Step]string{
	Pull:    "pull",
	Overlay: "overlay",
	Build:   "build",
	Stage:   "stage",
	Prime:   "prime",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// Less reports whether s precedes other in the fixed pipeline order
// PULL < OVERLAY < BUILD < STAGE < PRIME.
func (s Step) Less(other Step) bool { return s < other }

// DefaultPartitionName is used whenever a StepInfo does not override it.
const DefaultPartitionName = "default"

// Partitions is the ordered, non-empty list of partition names a part
// produces output for, or nil for single-tree mode. When non-empty, the
// first element must be the default partition name the associated
// StepInfo reports; constructing a Partitions value that violates this
// is a programmer error and NewPartitions panics, matching the
// allow-list-of-named-partitions invariant a caller's project
// configuration is expected to uphold.
type Partitions []string

// NewPartitions validates names against defaultPartition and returns a
// Partitions value. An empty names list is single-tree mode and is
// always valid (an empty and a nil Partitions are interchangeable).
func NewPartitions(names []string, defaultPartition string) Partitions {
	if len(names) == 0 {
		return nil
	}
	if names[0] != defaultPartition {
		panic(fmt.Sprintf("steps: partitions %v must start with the default partition %q", names, defaultPartition))
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			panic(fmt.Sprintf("steps: partitions %v contains duplicate %q", names, n))
		}
		seen[n] = true
	}
	out := make(Partitions, len(names))
	copy(out, names)
	return out
}

// Has reports whether name is a member of p. A nil/empty Partitions
// reports false for every name, since single-tree mode has no named
// partitions to check membership against.
func (p Partitions) Has(name string) bool {
	for _, n := range p {
		if n == name {
			return true
		}
	}
	return false
}

// PermissionRule overrides owner/group/mode for migrated paths matching
// Pattern (a plain glob, not partition-qualified). Any of Owner, Group
// or Mode may be absent (Owner/Group empty, Mode nil).
type PermissionRule struct {
	Pattern string
	Owner   string
	Group   string
	Mode    *uint32
}

// PartSpec carries the declarative pieces of a part definition this core
// cares about: the two filesets and the permission overrides applied
// during PRIME.
type PartSpec struct {
	StageFiles  []string
	PrimeFiles  []string
	Permissions []PermissionRule
}

// PartitionDirs names, for one partition, the three trees a part
// contributes to across the pipeline.
type PartitionDirs struct {
	InstallDir string
	StageDir   string
	PrimeDir   string
}

// DirSet is the full complement of directories a part's steps read from
// and write to.
type DirSet struct {
	// Partitions maps partition name -> per-partition dirs. In
	// single-tree mode this map has exactly one entry, keyed by the
	// default partition name.
	Partitions map[string]PartitionDirs

	RunDir       string
	SourceSubdir string
	BuildSubdir  string
	ExportDir    string
	BackstageDir string
}

// Part is the read-only description of one buildable unit. It is
// supplied fully resolved by the external parts graph scheduler
// (out of scope for this package).
type Part struct {
	Name       string
	PluginName string
	Plugin     Plugin
	Spec       PartSpec
	Dirs       DirSet
}

// InstallDir returns the install directory for partition, or the default
// partition's install dir if partition is empty.
func (p *Part) InstallDir(partition string) string {
	if partition == "" {
		partition = DefaultPartitionName
	}
	return p.Dirs.Partitions[partition].InstallDir
}

func (p *Part) StageDir(partition string) string {
	if partition == "" {
		partition = DefaultPartitionName
	}
	return p.Dirs.Partitions[partition].StageDir
}

func (p *Part) PrimeDir(partition string) string {
	if partition == "" {
		partition = DefaultPartitionName
	}
	return p.Dirs.Partitions[partition].PrimeDir
}

// PartitionContents records the files and directories one step wrote to
// one partition. Backstage fields are only ever populated for the
// default partition of a STAGE invocation.
type PartitionContents struct {
	Files []string
	Dirs  []string

	BackstageFiles []string
	BackstageDirs  []string
}

// StepContents maps partition name -> PartitionContents. Invariant:
// exactly the partitions requested for the step are keys; when no
// partitions were requested, the only key is the default partition
// name.
type StepContents map[string]*PartitionContents
