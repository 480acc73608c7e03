// Package endpoint parses operator-authored endpoint definitions and
// executes them. A definition is a YAML file describing an ordered
// pipeline: before-calls, request value filtering, state reads and
// writes, external fan-out with reply checks, recursion into other
// endpoints, and after-calls. Definitions are parsed once at startup
// into immutable Endpoint values; the Engine interprets them per
// invocation.
package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/coco/apierror"
	"github.com/pithecene-io/coco/check"
	"github.com/pithecene-io/coco/forward"
	"github.com/pithecene-io/coco/state"
	"github.com/pithecene-io/coco/types"
)

// ForwardKind distinguishes external fan-out from internal recursion.
type ForwardKind int

const (
	// ForwardExternal sends the request to the hosts of the endpoint's
	// group.
	ForwardExternal ForwardKind = iota
	// ForwardCoco routes the request to another endpoint on this
	// controller.
	ForwardCoco
)

// Forward is one pre-parsed call-spec. OnFailure lists the endpoint
// names its checks may call back into, kept for reference validation.
type Forward struct {
	Name      string
	Kind      ForwardKind
	Request   map[string]any
	Timeout   time.Duration
	Checks    []check.Check
	OnFailure []string
}

// Schedule configures periodic invocation of an endpoint.
type Schedule struct {
	Period     time.Duration
	Conditions []Condition
}

// Endpoint is one parsed definition. Immutable after load.
type Endpoint struct {
	Name         string
	Method       string
	Group        string
	Values       map[string]types.Kind
	Before       []*Forward
	After        []*Forward
	CallForward  []*Forward
	CallCoco     []*Forward
	SaveState    []string
	SendState    string
	GetState     string
	SetState     map[string]any
	Timestamp    string
	Schedule     *Schedule
	RequireState []Condition
	EnforceGroup bool
	ReportType   types.ReportType
	CallOnStart  bool
	Timeout      time.Duration
}

// Scheduled reports whether the endpoint has a schedule block.
func (e *Endpoint) Scheduled() bool { return e.Schedule != nil }

// Registry holds all loaded endpoints by name.
type Registry struct {
	endpoints map[string]*Endpoint
}

// Get looks an endpoint up by name.
func (r *Registry) Get(name string) (*Endpoint, bool) {
	e, ok := r.endpoints[name]
	return e, ok
}

// Names returns all endpoint names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scheduled returns the endpoints carrying a schedule block.
func (r *Registry) Scheduled() []*Endpoint {
	var out []*Endpoint
	for _, name := range r.Names() {
		if e := r.endpoints[name]; e.Scheduled() {
			out = append(out, e)
		}
	}
	return out
}

// CallOnStart returns the names of endpoints to invoke once at startup.
func (r *Registry) CallOnStart() []string {
	var out []string
	for _, name := range r.Names() {
		if r.endpoints[name].CallOnStart {
			out = append(out, name)
		}
	}
	return out
}

// Deps are the collaborators check compilation needs.
type Deps struct {
	Forwarder *forward.Forwarder
	State     *state.Store
	Logger    *zap.Logger
}

// LoadDir parses every endpoint definition in dir. The file stem is the
// endpoint name; files starting with '_' are ignored. Cross-endpoint
// references are validated after all files are read.
func LoadDir(dir string, deps Deps) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apierror.Configf("could not read endpoint directory %s: %v", dir, err)
	}
	reg := &Registry{endpoints: map[string]*Endpoint{}}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") || !strings.HasSuffix(name, ".conf") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, apierror.Configf("could not read endpoint file %s: %v", name, err)
		}
		epName := strings.TrimSuffix(name, ".conf")
		ep, err := parseEndpoint(epName, data, deps)
		if err != nil {
			return nil, err
		}
		reg.endpoints[epName] = ep
		deps.Logger.Debug("loaded endpoint", zap.String("endpoint", epName))
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// validate checks cross-endpoint references and schedule constraints.
func (r *Registry) validate() error {
	known := func(name string) bool {
		if _, ok := r.endpoints[name]; ok {
			return true
		}
		return IsBuiltin(name)
	}
	for name, ep := range r.endpoints {
		for _, group := range [][]*Forward{ep.Before, ep.After, ep.CallCoco} {
			for _, fwd := range group {
				if !known(fwd.Name) {
					return apierror.Configf(
						"Endpoint /%s refers to unknown endpoint /%s.", name, fwd.Name)
				}
			}
		}
		// External forwards name hosts, not endpoints, but their
		// on-failure calls route back through this controller.
		for _, group := range [][]*Forward{ep.Before, ep.After, ep.CallCoco, ep.CallForward} {
			for _, fwd := range group {
				for _, target := range fwd.OnFailure {
					if !known(target) {
						return apierror.Configf(
							"Endpoint /%s: on_failure on forward '%s' refers to unknown endpoint /%s.",
							name, fwd.Name, target)
					}
				}
			}
		}
		if ep.Schedule != nil && len(ep.Values) > 0 {
			return apierror.Configf(
				"Endpoint /%s is scheduled but requires request values.", name)
		}
	}
	return nil
}

func parseEndpoint(name string, data []byte, deps Deps) (*Endpoint, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, apierror.Configf("Endpoint /%s: invalid YAML: %v", name, err)
	}
	conf, _ := state.Normalize(raw).(map[string]any)

	ep := &Endpoint{
		Name:       name,
		Method:     "GET",
		ReportType: types.DefaultReportType,
	}

	if v, ok := conf["type"]; ok {
		method, _ := v.(string)
		method = strings.ToUpper(method)
		if method != "GET" && method != "POST" {
			return nil, apierror.Configf("Endpoint /%s: unknown method '%v'.", name, v)
		}
		ep.Method = method
	}
	if v, ok := conf["group"].(string); ok {
		ep.Group = v
	}
	if v, ok := conf["enforce_group"].(bool); ok {
		ep.EnforceGroup = v
	}
	if v, ok := conf["call_on_start"].(bool); ok {
		ep.CallOnStart = v
	}
	if v, ok := conf["report_type"]; ok {
		s, _ := v.(string)
		rtype, err := types.ParseReportType(s)
		if err != nil {
			return nil, apierror.Configf("Endpoint /%s: %v", name, err)
		}
		ep.ReportType = rtype
	}
	if v, ok := conf["timeout"]; ok {
		d, err := types.ParseDeltaValue(v)
		if err != nil {
			return nil, apierror.Configf("Endpoint /%s: invalid timeout: %v", name, err)
		}
		ep.Timeout = d
	}
	if v, ok := conf["values"]; ok {
		values, ok := v.(map[string]any)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: expected a mapping under 'values', found '%s'.",
				name, types.KindOf(v))
		}
		ep.Values = make(map[string]types.Kind, len(values))
		for field, kindName := range values {
			s, _ := kindName.(string)
			kind, err := types.ParseKind(s)
			if err != nil {
				return nil, apierror.Configf("Endpoint /%s: value '%s': %v", name, field, err)
			}
			ep.Values[field] = kind
		}
	}
	if v, ok := conf["save_state"]; ok {
		paths, err := stringList(v)
		if err != nil {
			return nil, apierror.Configf("Endpoint /%s: invalid save_state: %v", name, err)
		}
		ep.SaveState = paths
	}
	if v, ok := conf["send_state"].(string); ok {
		ep.SendState = v
	}
	if v, ok := conf["get_state"].(string); ok {
		ep.GetState = v
	}
	if v, ok := conf["set_state"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: expected a mapping under 'set_state', found '%s'.",
				name, types.KindOf(v))
		}
		ep.SetState = m
	}
	if v, ok := conf["timestamp"].(string); ok {
		ep.Timestamp = v
	}
	if v, ok := conf["require_state"]; ok {
		conds, err := parseConditions(name, v)
		if err != nil {
			return nil, err
		}
		ep.RequireState = conds
	}
	if v, ok := conf["schedule"]; ok {
		sched, err := parseSchedule(name, v)
		if err != nil {
			return nil, err
		}
		ep.Schedule = sched
	}

	var err error
	if v, ok := conf["before"]; ok {
		if ep.Before, err = parseForwards(name, v, ForwardCoco, deps); err != nil {
			return nil, err
		}
	}
	if v, ok := conf["after"]; ok {
		if ep.After, err = parseForwards(name, v, ForwardCoco, deps); err != nil {
			return nil, err
		}
	}
	if v, ok := conf["call"]; ok {
		call, ok := v.(map[string]any)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: expected a mapping under 'call', found '%s'.",
				name, types.KindOf(v))
		}
		if fw, ok := call["forward"]; ok {
			if ep.CallForward, err = parseForwards(name, fw, ForwardExternal, deps); err != nil {
				return nil, err
			}
		}
		if co, ok := call["coco"]; ok {
			if ep.CallCoco, err = parseForwards(name, co, ForwardCoco, deps); err != nil {
				return nil, err
			}
		}
	} else if ep.Group != "" {
		// Without a call block an endpoint with a group forwards the
		// request under its own name.
		ep.CallForward = []*Forward{{Name: name, Kind: ForwardExternal}}
	}

	if len(ep.CallForward) > 0 && ep.Group == "" {
		return nil, apierror.Configf("Endpoint /%s forwards to hosts but has no group.", name)
	}
	return ep, nil
}

func parseSchedule(endpoint string, raw any) (*Schedule, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, apierror.Configf(
			"Endpoint /%s: expected a mapping under 'schedule', found '%s'.",
			endpoint, types.KindOf(raw))
	}
	pv, ok := m["period"]
	if !ok {
		return nil, apierror.Configf("Endpoint /%s: schedule is missing 'period'.", endpoint)
	}
	period, err := types.ParseDeltaValue(pv)
	if err != nil {
		return nil, apierror.Configf("Endpoint /%s: invalid schedule period: %v", endpoint, err)
	}
	if period <= 0 {
		return nil, apierror.Configf("Endpoint /%s: schedule period must be positive.", endpoint)
	}
	sched := &Schedule{Period: period}
	if rv, ok := m["require_state"]; ok {
		conds, err := parseConditions(endpoint, rv)
		if err != nil {
			return nil, err
		}
		sched.Conditions = conds
	}
	return sched, nil
}

// parseForwards accepts a single call-spec or a list of them. A
// call-spec is either an endpoint name or a one-key mapping from the
// name to an options block.
func parseForwards(endpoint string, raw any, kind ForwardKind, deps Deps) ([]*Forward, error) {
	var items []any
	switch t := raw.(type) {
	case []any:
		items = t
	default:
		items = []any{t}
	}
	forwards := make([]*Forward, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			forwards = append(forwards, &Forward{Name: t, Kind: kind})
		case map[string]any:
			if len(t) != 1 {
				return nil, apierror.Configf(
					"Endpoint /%s: a call-spec must name exactly one target.", endpoint)
			}
			for name, opts := range t {
				fwd, err := parseForwardOpts(endpoint, name, kind, opts, deps)
				if err != nil {
					return nil, err
				}
				forwards = append(forwards, fwd)
			}
		default:
			return nil, apierror.Configf(
				"Endpoint /%s: expected a call-spec, found '%s'.", endpoint, types.KindOf(item))
		}
	}
	return forwards, nil
}

func parseForwardOpts(endpoint, name string, kind ForwardKind, raw any, deps Deps) (*Forward, error) {
	fwd := &Forward{Name: name, Kind: kind}
	if raw == nil {
		return fwd, nil
	}
	opts, ok := raw.(map[string]any)
	if !ok {
		return nil, apierror.Configf(
			"Endpoint /%s: expected options for forward '%s', found '%s'.",
			endpoint, name, types.KindOf(raw))
	}
	if v, ok := opts["timeout"]; ok {
		d, err := types.ParseDeltaValue(v)
		if err != nil {
			return nil, apierror.Configf(
				"Endpoint /%s: invalid timeout on forward '%s': %v", endpoint, name, err)
		}
		fwd.Timeout = d
	}
	if v, ok := opts["request"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: expected a mapping as request override on forward '%s'.",
				endpoint, name)
		}
		fwd.Request = m
	}

	checkOpts := check.Opts{
		Forwarder: deps.Forwarder,
		State:     deps.State,
		Logger:    deps.Logger,
	}
	if v, ok := opts["save_reply_to_state"].(string); ok {
		checkOpts.SaveReplyToState = v
	}
	if v, ok := opts["on_failure"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: expected a mapping under 'on_failure' on forward '%s'.",
				endpoint, name)
		}
		if call, ok := m["call"].(string); ok {
			checkOpts.OnFailureCall = call
			fwd.OnFailure = append(fwd.OnFailure, call)
		}
		if call, ok := m["call_single_host"].(string); ok {
			checkOpts.OnFailureCallSingleHost = call
			fwd.OnFailure = append(fwd.OnFailure, call)
		}
	}

	reply, ok := opts["reply"].(map[string]any)
	if !ok {
		if checkOpts.SaveReplyToState != "" {
			// A bare save_reply_to_state acts like an always-passing check.
			fwd.Checks = append(fwd.Checks, check.NewValue(name, nil, checkOpts))
		}
		return fwd, nil
	}
	checks, err := parseChecks(endpoint, name, reply, checkOpts)
	if err != nil {
		return nil, err
	}
	fwd.Checks = checks
	return fwd, nil
}

func parseChecks(endpoint, name string, reply map[string]any, opts check.Opts) ([]check.Check, error) {
	var checks []check.Check
	if v, ok := reply["identical"]; ok {
		names, err := stringList(v)
		if err != nil {
			return nil, apierror.Configf(
				"Endpoint /%s: invalid identical check on forward '%s': %v", endpoint, name, err)
		}
		checks = append(checks, check.NewIdentical(name, names, opts))
	}
	if v, ok := reply["value"]; ok {
		expected, ok := v.(map[string]any)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: expected a mapping for value check on forward '%s'.",
				endpoint, name)
		}
		checks = append(checks, check.NewValue(name, expected, opts))
	}
	if v, ok := reply["type"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: expected a mapping for type check on forward '%s'.",
				endpoint, name)
		}
		expected := make(map[string]types.Kind, len(m))
		for field, kindName := range m {
			s, _ := kindName.(string)
			kind, err := types.ParseKind(s)
			if err != nil {
				return nil, apierror.Configf(
					"Endpoint /%s: type check on forward '%s', field '%s': %v",
					endpoint, name, field, err)
			}
			expected[field] = kind
		}
		checks = append(checks, check.NewType(name, expected, opts))
	}
	if v, ok := reply["state"]; ok {
		switch t := v.(type) {
		case string:
			c, err := check.NewStatePath(name, t, opts)
			if err != nil {
				return nil, err
			}
			checks = append(checks, c)
		case map[string]any:
			paths, err := stringMap(t)
			if err != nil {
				return nil, apierror.Configf(
					"Endpoint /%s: invalid state check on forward '%s': %v", endpoint, name, err)
			}
			c, err := check.NewStateFields(name, paths, opts)
			if err != nil {
				return nil, err
			}
			checks = append(checks, c)
		default:
			return nil, apierror.Configf(
				"Endpoint /%s: expected a path or field mapping for state check on forward '%s', found '%s'.",
				endpoint, name, types.KindOf(v))
		}
	}
	if v, ok := reply["state_hash"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, apierror.Configf(
				"Endpoint /%s: expected a field mapping for state_hash check on forward '%s', found '%s'.",
				endpoint, name, types.KindOf(v))
		}
		paths, err := stringMap(m)
		if err != nil {
			return nil, apierror.Configf(
				"Endpoint /%s: invalid state_hash check on forward '%s': %v", endpoint, name, err)
		}
		c, err := check.NewStateHash(name, paths, opts)
		if err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	return checks, nil
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, found '%s'", types.KindOf(item))
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or list of strings, found '%s'", types.KindOf(v))
	}
}

func stringMap(m map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string for '%s', found '%s'", k, types.KindOf(v))
		}
		out[k] = s
	}
	return out, nil
}
