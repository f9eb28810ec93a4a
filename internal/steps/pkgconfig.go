package steps

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/google/renameio"
)

// pkgConfigPrefixVars are the directives rewritten when a part's install
// path is replaced by its stage path.
var pkgConfigPrefixVars = []string{"prefix=", "exec_prefix=", "libdir=", "includedir="}

// PkgConfigFixup returns a FixupFunc that rewrites .pc files under a
// migrated destination, replacing any occurrence of installDir with
// stageDir in the prefix/exec_prefix/libdir/includedir directives. Any
// path that is not a .pc file, or a symlink, is left untouched (symlinks
// are already filtered out by the caller, MigrateFiles).
//
// Grounded on distri's pkg-config Requires: parsing in
// internal/build/build.go (near the runtime-dependency resolution pass),
// generalized from reading metadata to rewriting it, and on distri's use
// of github.com/google/renameio for atomic file replacement (squashfs
// image writes via renameio.TempFile).
func PkgConfigFixup(installDir, stageDir string) FixupFunc {
	return func(destPath string) error {
		if !strings.HasSuffix(destPath, ".pc") {
			return nil
		}
		return RewritePkgConfig(destPath, installDir, stageDir)
	}
}

// RewritePkgConfig rewrites the four prefix-related directives in place,
// preserving file mode. Idempotent: a file with no
// occurrence of installDir is rewritten to itself unchanged.
func RewritePkgConfig(path, installDir, stageDir string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return &Error{Kind: ErrFileOrganize, Brief: "stat " + path, Cause: err}
	}

	in, err := os.Open(path)
	if err != nil {
		return &Error{Kind: ErrFileOrganize, Brief: "open " + path, Cause: err}
	}
	defer in.Close()

	var out bytes.Buffer
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(rewritePkgConfigLine(line, installDir, stageDir))
		out.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return &Error{Kind: ErrFileOrganize, Brief: "read " + path, Cause: err}
	}

	if err := renameio.WriteFile(path, out.Bytes(), fi.Mode().Perm()); err != nil {
		return &Error{Kind: ErrFileOrganize, Brief: "replace " + path, Cause: err}
	}
	return nil
}

// rewritePkgConfigLine rewrites line if it is one of the four prefix
// directives; any other line, including Requires:/Libs:/Cflags: and
// comments, is returned unchanged.
func rewritePkgConfigLine(line, installDir, stageDir string) string {
	for _, prefix := range pkgConfigPrefixVars {
		if strings.HasPrefix(line, prefix) {
			value := line[len(prefix):]
			return prefix + strings.ReplaceAll(value, installDir, stageDir)
		}
	}
	return line
}
