package types

import (
	"encoding/json"
	"fmt"
)

// Kind is the fixed enumeration of value kinds an endpoint configuration
// may declare for request values, reply fields, and state conditions.
type Kind int

const (
	// KindInt matches integral numbers.
	KindInt Kind = iota
	// KindFloat matches floating point numbers.
	KindFloat
	// KindStr matches strings.
	KindStr
	// KindBool matches booleans.
	KindBool
	// KindDict matches JSON objects.
	KindDict
	// KindList matches JSON arrays.
	KindList
)

var kindNames = map[Kind]string{
	KindInt:   "int",
	KindFloat: "float",
	KindStr:   "str",
	KindBool:  "bool",
	KindDict:  "dict",
	KindList:  "list",
}

// ParseKind resolves a configured type name to a Kind. Unknown names are
// a configuration error.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown type: %q", s)
}

func (k Kind) String() string { return kindNames[k] }

// Matches reports whether a decoded JSON/YAML value has this kind.
// Integral float64 values (the default JSON decoding of whole numbers)
// count as int.
func (k Kind) Matches(v any) bool {
	switch k {
	case KindInt:
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case KindFloat:
		switch n := v.(type) {
		case float64, float32:
			return true
		case json.Number:
			_, err := n.Float64()
			return err == nil && !KindInt.Matches(n)
		}
		return false
	case KindStr:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindDict:
		_, ok := v.(map[string]any)
		return ok
	case KindList:
		_, ok := v.([]any)
		return ok
	}
	return false
}

// KindOf names the kind of a decoded value, for error messages.
func KindOf(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "str"
	case int, int64:
		return "int"
	case float64:
		if t == float64(int64(t)) {
			return "int"
		}
		return "float"
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return "int"
		}
		return "float"
	case map[string]any:
		return "dict"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}
