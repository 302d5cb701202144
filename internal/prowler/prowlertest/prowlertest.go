// Package prowlertest provides fake prowler executables for tests.
package prowlertest

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// header records the arguments and the environment next to the script and
// sets $provider, $name and $dir from the command line.
const header = `#!/bin/sh
here=$(dirname "$0")
printf '%s\n' "$@" > "$here/args"
env > "$here/env"
provider="$1"
shift
while [ $# -gt 0 ]; do
  case "$1" in
    --output-filename) name="$2"; shift ;;
    --output-directory) dir="$2"; shift ;;
  esac
  shift
done
`

// Script writes an executable fake prowler running body after the header.
// The test is skipped when sh is not available.
func Script(t testing.TB, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "prowler")
	require.NoError(t, os.WriteFile(path, []byte(header+body+"\n"), 0o755))
	return path
}

// Writes returns a body which stores content as the artifact prowler would
// produce for the provider ("aws" or "gcp") and exits with code.
func Writes(t testing.TB, provider, content string, code int) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	ext := ".csv"
	if provider == "aws" {
		ext = ".asff.json"
	}
	return fmt.Sprintf("cp '%s' \"$dir/$name%s\"\nexit %d", src, ext, code)
}

// Args returns the arguments of the last run of the script.
func Args(t testing.TB, script string) []string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(filepath.Dir(script), "args"))
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

// Env returns the environment of the last run of the script.
func Env(t testing.TB, script string) map[string]string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(filepath.Dir(script), "env"))
	require.NoError(t, err)
	env := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			env[k] = v
		}
	}
	return env
}
