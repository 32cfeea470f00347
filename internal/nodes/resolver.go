package nodes

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// synonymKeys are the input keys tried, in order, when a path starts with one
// of data, items or value. The first slot is the segment itself.
var synonymKeys = []string{"", "data", "items", "output", "value", "result"}

type strategy func(segs []string, inputs map[string]any) (any, bool)

// strategies run in order; the first non-nil hit wins.
var strategies = []strategy{
	resolveDirect,
	resolveListDescent,
	resolveSynonyms,
	resolveSingleInput,
	resolveAnyCollection,
}

// Resolve finds the value addressed by a dotted field path in inputs.
func Resolve(field string, inputs map[string]any) (any, bool) {
	field = strings.TrimSpace(field)
	if field == "" || len(inputs) == 0 {
		return nil, false
	}
	segs := strings.Split(field, ".")
	for _, s := range strategies {
		if v, ok := s(segs, inputs); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// resolveDirect looks the path up as-is.
func resolveDirect(segs []string, inputs map[string]any) (any, bool) {
	return getPath(inputs, segs)
}

// resolveListDescent handles inputs[seg0] being a list: the remainder of the
// path is resolved against the list's first element.
func resolveListDescent(segs []string, inputs map[string]any) (any, bool) {
	if len(segs) < 2 {
		return nil, false
	}
	list, ok := inputs[segs[0]].([]any)
	if !ok || len(list) == 0 {
		return nil, false
	}
	return getPath(parseElement(list[0]), segs[1:])
}

// resolveSynonyms applies when the first segment is data, items or value.
func resolveSynonyms(segs []string, inputs map[string]any) (any, bool) {
	head := segs[0]
	if head != "data" && head != "items" && head != "value" {
		return nil, false
	}
	rest := segs[1:]
	for _, key := range synonymKeys {
		if key == "" {
			key = head
		}
		candidate, ok := inputs[key]
		if !ok || candidate == nil {
			continue
		}
		if len(rest) == 0 {
			return candidate, true
		}
		switch c := candidate.(type) {
		case []any:
			if len(c) == 0 {
				continue
			}
			if v, ok := getPath(parseElement(c[0]), rest); ok && v != nil {
				return v, true
			}
		case map[string]any:
			if v, ok := getPath(c, rest); ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

// resolveSingleInput uses the only input value as the subject of the full path.
func resolveSingleInput(segs []string, inputs map[string]any) (any, bool) {
	if len(inputs) != 1 {
		return nil, false
	}
	for _, v := range inputs {
		return getPath(parseElement(v), segs)
	}
	return nil, false
}

// resolveAnyCollection tries every non-empty list or map input against the
// full path, in key order.
func resolveAnyCollection(segs []string, inputs map[string]any) (any, bool) {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch c := inputs[k].(type) {
		case []any:
			if len(c) == 0 {
				continue
			}
		case map[string]any:
			if len(c) == 0 {
				continue
			}
		default:
			continue
		}
		if v, ok := getPath(inputs[k], segs); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// getPath walks segs through maps and lists. Numeric segments index lists; a
// key segment applied to a list picks the first map element carrying that key.
// JSON strings met along the way are decoded.
func getPath(subject any, segs []string) (any, bool) {
	cur := subject
	for _, seg := range segs {
		cur = parseElement(cur)
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			if idx, err := strconv.Atoi(seg); err == nil {
				if idx < 0 || idx >= len(c) {
					return nil, false
				}
				cur = c[idx]
				continue
			}
			found := false
			for _, el := range c {
				if m, ok := parseElement(el).(map[string]any); ok {
					if v, ok := m[seg]; ok {
						cur, found = v, true
						break
					}
				}
			}
			if !found {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// parseElement decodes strings holding a JSON object or array.
func parseElement(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	t := strings.TrimSpace(s)
	if len(t) < 2 || (t[0] != '{' && t[0] != '[') {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(t), &out); err != nil {
		return v
	}
	return out
}
