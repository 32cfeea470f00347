package expressions

import (
	"strings"
)

// Interpolate replaces ${name} tokens with the string form of vars[name].
// Dotted names walk into nested maps. Tokens with no matching variable, and
// unclosed tokens, are left untouched.
func Interpolate(input string, vars map[string]any) string {
	if !strings.Contains(input, "${") {
		return input
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}")
		if end == -1 {
			result.WriteString(input[i+idx:])
			break
		}
		end += start

		name := strings.TrimSpace(input[start:end])
		if val, ok := lookupVar(vars, name); ok {
			result.WriteString(ToString(val))
		} else {
			result.WriteString(input[i+idx : end+1])
		}
		i = end + 1
	}
	return result.String()
}

// HasInterpolation reports whether s contains a ${...} token.
func HasInterpolation(s string) bool {
	idx := strings.Index(s, "${")
	return idx != -1 && strings.Contains(s[idx:], "}")
}

func lookupVar(vars map[string]any, name string) (any, bool) {
	if name == "" || vars == nil {
		return nil, false
	}
	if v, ok := vars[name]; ok {
		return v, true
	}
	parts := strings.Split(name, ".")
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
