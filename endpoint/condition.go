package endpoint

import (
	"reflect"

	"github.com/pithecene-io/coco/apierror"
	"github.com/pithecene-io/coco/state"
	"github.com/pithecene-io/coco/types"
)

// Condition is a predicate over the state store: the subtree at Path
// must exist, have the declared kind, and (when HasValue) equal Value.
type Condition struct {
	Path     string
	Kind     types.Kind
	Value    any
	HasValue bool
}

// Met evaluates the condition against the store.
func (c Condition) Met(st *state.Store) (bool, error) {
	if !st.Exists(c.Path) {
		return false, nil
	}
	v, err := st.Read(c.Path)
	if err != nil {
		return false, err
	}
	if !c.Kind.Matches(v) {
		return false, nil
	}
	if c.HasValue && !reflect.DeepEqual(state.Normalize(v), c.Value) {
		return false, nil
	}
	return true, nil
}

// parseConditions accepts a single condition object or a list of them.
func parseConditions(endpoint string, raw any) ([]Condition, error) {
	var items []any
	switch t := raw.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
	default:
		return nil, apierror.Configf(
			"Endpoint /%s: expected a condition or list of conditions, found '%s'.",
			endpoint, types.KindOf(raw))
	}
	conds := make([]Condition, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: expected a condition object, found '%s'.",
				endpoint, types.KindOf(item))
		}
		path, ok := m["path"].(string)
		if !ok {
			return nil, apierror.Configf("Endpoint /%s: condition is missing 'path'.", endpoint)
		}
		kindName, ok := m["type"].(string)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: condition on '%s' is missing 'type'.", endpoint, path)
		}
		kind, err := types.ParseKind(kindName)
		if err != nil {
			return nil, apierror.Configf(
				"Endpoint /%s: condition on '%s': %v", endpoint, path, err)
		}
		cond := Condition{Path: path, Kind: kind}
		if v, ok := m["value"]; ok {
			cond.Value = state.Normalize(v)
			cond.HasValue = true
		}
		conds = append(conds, cond)
	}
	return conds, nil
}
