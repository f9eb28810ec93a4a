// Package env resolves engine-wide configuration from environment
// variables, the way distri's internal/env resolves DISTRIROOT: a
// single os.Getenv lookup with a documented fallback, read once at
// package init.
package env

import "os"

// ScriptletTempBase overrides the base directory scriptlet-execution
// temp dirs are created under. Empty means defer to the OS default
// temp dir (os.MkdirTemp's behavior when given an empty base).
var ScriptletTempBase = os.Getenv("PARTS_TMPDIR")
