package endpoint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/coco/apierror"
	"github.com/pithecene-io/coco/blocklist"
	"github.com/pithecene-io/coco/forward"
	"github.com/pithecene-io/coco/result"
	"github.com/pithecene-io/coco/state"
	"github.com/pithecene-io/coco/types"
)

// Engine executes endpoint definitions. It owns no state of its own;
// all invocations are serialised by the worker, and internal forwards
// recurse on the same call stack.
type Engine struct {
	registry  *Registry
	forwarder *forward.Forwarder
	state     *state.Store
	blocklist *blocklist.Blocklist
	timeout   time.Duration
	logger    *zap.Logger
}

// NewEngine wires the engine to its collaborators. timeout is the
// global default for external calls.
func NewEngine(reg *Registry, fwd *forward.Forwarder, st *state.Store, bl *blocklist.Blocklist, timeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		registry:  reg,
		forwarder: fwd,
		state:     st,
		blocklist: bl,
		timeout:   timeout,
		logger:    logger,
	}
}

// Registry returns the endpoint registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Dispatch routes a client request: built-ins first, then the registry.
// Unknown names and method mismatches surface as typed errors before
// any pipeline work happens.
func (e *Engine) Dispatch(ctx context.Context, method, name string, request map[string]any) (*result.Result, error) {
	if want, ok := BuiltinMethod(name); ok {
		if method != want {
			return nil, apierror.InvalidMethod(fmt.Sprintf(
				"Endpoint /%s does not accept %s requests.", name, method))
		}
		return e.builtin(ctx, name, request)
	}
	ep, ok := e.registry.Get(name)
	if !ok {
		return nil, apierror.InvalidPath(fmt.Sprintf("Endpoint /%s not found.", name))
	}
	if method != ep.Method {
		return nil, apierror.InvalidMethod(fmt.Sprintf(
			"Endpoint /%s does not accept %s requests.", name, method))
	}
	return e.call(ctx, ep, request, nil)
}

// Internal implements forward.Dispatcher: it routes a call from inside
// a running invocation to another endpoint, skipping method checks.
func (e *Engine) Internal(ctx context.Context, name string, request map[string]any, hosts []types.Host) (*result.Result, error) {
	if IsBuiltin(name) {
		return e.builtin(ctx, name, request)
	}
	ep, ok := e.registry.Get(name)
	if !ok {
		return nil, apierror.InvalidPath(fmt.Sprintf("Endpoint /%s not found.", name))
	}
	return e.call(ctx, ep, request, hosts)
}

// call runs the pipeline for one invocation: preconditions, before
// calls, value filtering, state reads/writes, external fan-out with
// checks, internal recursion, after calls, and on-success state
// finalisation. Failures flow through the result; only misuse and
// state-store faults return errors.
func (e *Engine) call(ctx context.Context, ep *Endpoint, request map[string]any, hosts []types.Host) (*result.Result, error) {
	for _, cond := range ep.RequireState {
		met, err := cond.Met(e.state)
		if err != nil {
			return nil, err
		}
		if !met {
			return nil, apierror.PreconditionFailed(fmt.Sprintf(
				"Endpoint /%s requires state '%s'.", ep.Name, cond.Path),
				map[string]any{"path": cond.Path})
		}
	}

	res := result.New(ep.Name, ep.ReportType)

	if ep.EnforceGroup {
		hosts = nil
	}
	if hosts == nil && ep.Group != "" {
		group, ok := e.forwarder.Group(ep.Group)
		if !ok {
			return nil, apierror.Internalf("Endpoint /%s: unknown group '%s'.", ep.Name, ep.Group)
		}
		hosts = group
	}

	for _, fwd := range ep.Before {
		e.recurse(ctx, fwd, nil, res)
	}

	req := make(map[string]any, len(request))
	for k, v := range request {
		req[k] = state.Normalize(v)
	}
	consumed := map[string]any{}
	for _, field := range sortedKeys(ep.Values) {
		kind := ep.Values[field]
		v, ok := req[field]
		if !ok {
			res.AddMessage(fmt.Sprintf("Missing value: %s.", field))
			res.SetSuccess(false)
			return res, nil
		}
		if !kind.Matches(v) {
			res.AddMessage(fmt.Sprintf("Value '%s' is of type %s (expected %s).",
				field, types.KindOf(v), kind))
			res.SetSuccess(false)
			return res, nil
		}
		consumed[field] = v
		delete(req, field)
	}

	for _, path := range ep.SaveState {
		for field, v := range consumed {
			if err := e.state.Write(path, v, field); err != nil {
				return nil, err
			}
		}
	}

	payload := consumed
	if ep.SendState != "" {
		subtree, err := e.state.Read(ep.SendState)
		if err != nil {
			return nil, err
		}
		if m, ok := subtree.(map[string]any); ok {
			merged := make(map[string]any, len(m)+len(consumed))
			for k, v := range m {
				merged[k] = v
			}
			for k, v := range consumed {
				merged[k] = v
			}
			payload = merged
		}
	}

	for _, fwd := range ep.CallForward {
		timeout := fwd.Timeout
		if timeout == 0 {
			timeout = ep.Timeout
		}
		if timeout == 0 {
			timeout = e.timeout
		}
		replies := e.forwarder.External(ctx, fwd.Name, ep.Method, payload, hosts, timeout)
		sub := result.New(fwd.Name, ep.ReportType)
		sub.AddReplies(fwd.Name, replies)
		for _, c := range fwd.Checks {
			ok, err := c.Run(ctx, sub)
			if err != nil {
				return nil, err
			}
			if !ok {
				sub.SetSuccess(false)
			}
		}
		res.Absorb(sub)
	}

	for _, fwd := range ep.CallCoco {
		creq := fwd.Request
		if creq == nil {
			creq = consumed
		}
		e.recurse(ctx, fwd, creq, res)
	}

	for _, k := range sortedKeys(req) {
		res.AddMessage(fmt.Sprintf("Found additional value in request: (%s: %v)", k, req[k]))
	}

	for _, fwd := range ep.After {
		e.recurse(ctx, fwd, nil, res)
	}

	if ep.GetState != "" {
		subtree, err := e.state.Extract(ep.GetState)
		if err != nil {
			return nil, err
		}
		res.SetState(subtree)
	}

	if res.Success() {
		for _, path := range sortedKeys(ep.SetState) {
			if err := e.state.Write(path, ep.SetState[path], ""); err != nil {
				return nil, err
			}
		}
		if ep.Timestamp != "" {
			if err := e.state.Write(ep.Timestamp, time.Now().Unix(), ""); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

// recurse runs an internal forward, embeds its result and folds its
// outcome into res. Typed errors from the callee become error results
// rather than aborting the caller.
func (e *Engine) recurse(ctx context.Context, fwd *Forward, request map[string]any, res *result.Result) {
	sub, err := e.Internal(ctx, fwd.Name, request, nil)
	if err != nil {
		ae := apierror.From(err)
		e.logger.Debug("internal forward failed",
			zap.String("endpoint", fwd.Name), zap.Error(err))
		sub = result.NewError(fwd.Name, ae.Message, res.Type())
	}
	for _, c := range fwd.Checks {
		ok, cerr := c.Run(ctx, sub)
		if cerr != nil {
			ae := apierror.From(cerr)
			sub.SetError(ae.Message)
			break
		}
		if !ok {
			sub.SetSuccess(false)
		}
	}
	res.Embed(fwd.Name, sub)
	if !sub.Success() {
		res.SetSuccess(false)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
