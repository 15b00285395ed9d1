// Package envtext implements ${VAR} environment-variable interpolation
// for string fields loaded from configuration files.
package envtext

import (
	"strings"

	"gopkg.in/errgo.v1"
)

// Lookup is the signature of a function that resolves an environment
// variable by name, mirroring os.LookupEnv.
type Lookup func(name string) (string, bool)

// Required indicates that the named variable must resolve to a
// non-empty value; it's used for secret-shaped fields such as
// camera passwords and vision-provider API keys.
type Required func(fieldPath string) bool

// Expand scans s for "${VAR}" occurrences and substitutes each with the
// value returned by lookup. fieldPath identifies the field being
// expanded (e.g. "meters[2].camera.auth.pass") purely for error
// messages. mustResolve decides whether an empty or missing
// substitution is a hard error; otherwise it expands to "".
func Expand(s, fieldPath string, lookup Lookup, mustResolve bool) (string, error) {
	var out strings.Builder
	t := s
	for {
		i := strings.Index(t, "${")
		if i == -1 {
			out.WriteString(t)
			break
		}
		out.WriteString(t[:i])
		rest := t[i+2:]
		j := strings.IndexByte(rest, '}')
		if j == -1 {
			return "", errgo.Newf("unterminated ${...} in %s", fieldPath)
		}
		name := rest[:j]
		t = rest[j+1:]
		if name == "" {
			return "", errgo.Newf("empty ${} reference in %s", fieldPath)
		}
		val, ok := lookup(name)
		if (!ok || val == "") && mustResolve {
			return "", errgo.Newf("required environment variable %q (used by %s) is not set", name, fieldPath)
		}
		out.WriteString(val)
	}
	return out.String(), nil
}

// HasReference reports whether s contains at least one "${...}"
// reference, used to decide whether a field needs expansion at all.
func HasReference(s string) bool {
	return strings.Contains(s, "${")
}
