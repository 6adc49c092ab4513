package sandbox

import (
	"maps"
	"slices"
)

// harnessScript runs the program with its arguments, then prints the marker
// without a trailing newline and exits with the program's status.
const harnessScript = `"$@"; rc=$?; printf '%s' "$` + MarkerEnv + `"; exit $rc`

// WrapCommand returns the argv that runs cmd through /bin/sh and prints the
// marker from $SANDOUT_MARKER after cmd exits. cmd is passed as positional
// parameters, so it is never re-parsed by the shell.
func WrapCommand(shell string, cmd []string) []string {
	if shell == "" {
		shell = "/bin/sh"
	}
	argv := []string{shell, "-c", harnessScript, "sandout"}
	return append(argv, cmd...)
}

// EnvList flattens Spec.Env into KEY=VALUE pairs in key order,
// with the marker variable last so it cannot be overridden.
func EnvList(spec Spec) []string {
	out := make([]string, 0, len(spec.Env)+1)
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		if k == MarkerEnv {
			continue
		}
		out = append(out, k+"="+spec.Env[k])
	}
	return append(out, MarkerEnv+"="+spec.Marker)
}
