package settings

import "os"

// ExpandEnv walks a decoded JSON value and expands ${VAR} and $VAR references
// in every string against the process environment. Unknown variables expand
// to the empty string. Keys are never expanded, only string values; the
// traversal mutates and returns the same containers.
func ExpandEnv(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return os.ExpandEnv(t)
	case map[string]interface{}:
		for k, vv := range t {
			t[k] = ExpandEnv(vv)
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = ExpandEnv(t[i])
		}
		return t
	default:
		return v
	}
}
