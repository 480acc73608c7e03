// Package check validates the replies gathered by a forward. A check
// inspects the merged per-host replies on a result, records failures on
// it, optionally triggers on-failure endpoint calls, and saves passing
// replies to the state store when configured.
package check

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/pithecene-io/coco/forward"
	"github.com/pithecene-io/coco/result"
	"github.com/pithecene-io/coco/state"
	"github.com/pithecene-io/coco/types"
)

// Check validates one aspect of a forward's replies.
type Check interface {
	Name() string
	// Run inspects res, records failures on it and returns whether the
	// check passed.
	Run(ctx context.Context, res *result.Result) (bool, error)
}

// Opts carries the collaborators and on-failure configuration shared by
// all check kinds.
type Opts struct {
	Forwarder               forward.Dispatcher
	State                   *state.Store
	OnFailureCall           string
	OnFailureCallSingleHost string
	SaveReplyToState        string
	Logger                  *zap.Logger
}

type base struct {
	name string
	opts Opts
}

func (b *base) Name() string { return b.name }

func (b *base) logger() *zap.Logger {
	if b.opts.Logger == nil {
		return zap.NewNop()
	}
	return b.opts.Logger
}

// onFailure runs the configured on-failure calls and embeds their
// results under the check name. The single-host call only fires when
// there are failing hosts to direct it at.
func (b *base) onFailure(ctx context.Context, res *result.Result, hosts []types.Host) error {
	if b.opts.OnFailureCall == "" && b.opts.OnFailureCallSingleHost == "" {
		return nil
	}
	sub := result.New("on_failure", res.Type())
	if b.opts.OnFailureCall != "" {
		b.logger().Debug("running on-failure call",
			zap.String("check", b.name), zap.String("endpoint", b.opts.OnFailureCall))
		r, err := b.opts.Forwarder.Internal(ctx, b.opts.OnFailureCall, nil, nil)
		if err != nil {
			return err
		}
		sub.Embed(b.opts.OnFailureCall, r)
	}
	if b.opts.OnFailureCallSingleHost != "" && len(hosts) > 0 {
		b.logger().Debug("running on-failure call on failing hosts",
			zap.String("check", b.name),
			zap.String("endpoint", b.opts.OnFailureCallSingleHost),
			zap.String("hosts", types.PrintHosts(hosts)))
		r, err := b.opts.Forwarder.Internal(ctx, b.opts.OnFailureCallSingleHost, nil, hosts)
		if err != nil {
			return err
		}
		sub.Embed(b.opts.OnFailureCallSingleHost, r)
	}
	res.Embed(b.name, sub)
	return nil
}

// saveReply merges the per-host reply dicts and writes the merge to the
// configured state path.
func (b *base) saveReply(reply map[types.Host]any) error {
	if b.opts.SaveReplyToState == "" {
		return nil
	}
	merged := map[string]any{}
	for _, r := range reply {
		if m, ok := r.(map[string]any); ok {
			for k, v := range m {
				merged[k] = v
			}
		}
	}
	return b.opts.State.Write(b.opts.SaveReplyToState, merged, "")
}

func sortedHosts(set map[types.Host]struct{}) []types.Host {
	hosts := make([]types.Host, 0, len(set))
	for h := range set {
		hosts = append(hosts, h)
	}
	types.SortHosts(hosts)
	return hosts
}

// Identical verifies that named reply fields carry the same value on
// every host.
type Identical struct {
	base
	varnames []string
}

// NewIdentical builds an identical-replies check over the given field
// names.
func NewIdentical(name string, varnames []string, opts Opts) *Identical {
	return &Identical{base: base{name: name, opts: opts}, varnames: varnames}
}

// Run implements Check.
func (c *Identical) Run(ctx context.Context, res *result.Result) (bool, error) {
	reply := res.Replies()
	for _, varname := range c.varnames {
		unique := map[string]struct{}{}
		for _, r := range reply {
			v := r
			if m, ok := r.(map[string]any); ok {
				v = m[varname]
			}
			h, err := state.HashTree(v)
			if err != nil {
				h = fmt.Sprintf("%#v", v)
			}
			unique[h] = struct{}{}
		}
		if len(unique) > 1 {
			c.logger().Warn("replies from hosts not identical",
				zap.String("check", c.name), zap.String("value", varname),
				zap.Int("unique", len(unique)))
			for host := range reply {
				res.ReportFailure(c.name, host, "not_identical", "all")
			}
			return false, c.onFailure(ctx, res, nil)
		}
	}
	return true, c.saveReply(reply)
}

// Value verifies that named reply fields carry expected values.
type Value struct {
	base
	expected map[string]any
}

// NewValue builds a value check. Expected values are normalized so that
// they compare cleanly against decoded replies.
func NewValue(name string, expected map[string]any, opts Opts) *Value {
	norm := make(map[string]any, len(expected))
	for k, v := range expected {
		norm[k] = state.Normalize(v)
	}
	return &Value{base: base{name: name, opts: opts}, expected: norm}
}

// Run implements Check.
func (c *Value) Run(ctx context.Context, res *result.Result) (bool, error) {
	reply := res.Replies()
	failed := map[types.Host]struct{}{}
	for host, r := range reply {
		fields, ok := r.(map[string]any)
		if !ok || len(fields) == 0 {
			for name := range c.expected {
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "missing", name)
			}
			continue
		}
		for name, want := range c.expected {
			got, ok := fields[name]
			if !ok {
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "missing", name)
				continue
			}
			if !reflect.DeepEqual(state.Normalize(got), want) {
				c.logger().Debug("bad value in reply",
					zap.String("check", c.name), zap.Stringer("host", host),
					zap.String("value", name))
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "value", name)
			}
		}
	}
	if len(failed) > 0 {
		return false, c.onFailure(ctx, res, sortedHosts(failed))
	}
	return true, c.saveReply(reply)
}

// Type verifies that named reply fields carry values of expected kinds.
type Type struct {
	base
	expected map[string]types.Kind
}

// NewType builds a type check.
func NewType(name string, expected map[string]types.Kind, opts Opts) *Type {
	return &Type{base: base{name: name, opts: opts}, expected: expected}
}

// Run implements Check.
func (c *Type) Run(ctx context.Context, res *result.Result) (bool, error) {
	reply := res.Replies()
	failed := map[types.Host]struct{}{}
	for host, r := range reply {
		fields, ok := r.(map[string]any)
		if !ok || len(fields) == 0 {
			for name := range c.expected {
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "missing", name)
			}
			continue
		}
		for name, kind := range c.expected {
			got, ok := fields[name]
			if !ok {
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "missing", name)
				continue
			}
			if !kind.Matches(got) {
				c.logger().Debug("value of wrong type in reply",
					zap.String("check", c.name), zap.Stringer("host", host),
					zap.String("value", name), zap.String("found", types.KindOf(got)))
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "type", name)
			}
		}
	}
	if len(failed) > 0 {
		return false, c.onFailure(ctx, res, sortedHosts(failed))
	}
	return true, c.saveReply(reply)
}

// State compares replies to the state store. With a single path the
// whole reply must equal the subtree at that path; with a field map
// each named field must equal the state at its path.
type State struct {
	base
	path  string
	paths map[string]string
}

// NewStatePath builds a whole-reply state comparison. The path is
// created in the store if it does not exist yet.
func NewStatePath(name, path string, opts Opts) (*State, error) {
	if _, err := opts.State.FindOrCreate(path); err != nil {
		return nil, err
	}
	return &State{base: base{name: name, opts: opts}, path: path}, nil
}

// NewStateFields builds a per-field state comparison.
func NewStateFields(name string, paths map[string]string, opts Opts) (*State, error) {
	for _, path := range paths {
		if _, err := opts.State.FindOrCreate(path); err != nil {
			return nil, err
		}
	}
	return &State{base: base{name: name, opts: opts}, paths: paths}, nil
}

// Run implements Check.
func (c *State) Run(ctx context.Context, res *result.Result) (bool, error) {
	reply := res.Replies()
	failed := map[types.Host]struct{}{}
	for host, r := range reply {
		fields, isMap := r.(map[string]any)
		if !isMap || len(fields) == 0 {
			if c.paths != nil {
				for name := range c.paths {
					failed[host] = struct{}{}
					res.ReportFailure(c.name, host, "missing", name)
				}
			} else {
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "missing", "all")
			}
			continue
		}
		if c.paths != nil {
			for name, path := range c.paths {
				got, ok := fields[name]
				if !ok {
					failed[host] = struct{}{}
					res.ReportFailure(c.name, host, "missing", name)
					continue
				}
				want, err := c.opts.State.Read(path)
				if err != nil {
					return false, err
				}
				if !reflect.DeepEqual(state.Normalize(got), want) {
					c.logger().Debug("reply value does not match state",
						zap.String("check", c.name), zap.Stringer("host", host),
						zap.String("value", name), zap.String("path", path))
					failed[host] = struct{}{}
					res.ReportFailure(c.name, host, "mismatch_with_state", name)
				}
			}
		} else {
			want, err := c.opts.State.Read(c.path)
			if err != nil {
				return false, err
			}
			if !reflect.DeepEqual(state.Normalize(r), want) {
				c.logger().Debug("reply does not match state",
					zap.String("check", c.name), zap.Stringer("host", host),
					zap.String("path", c.path))
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "mismatch_with_state", "all")
			}
		}
	}
	if len(failed) > 0 {
		return false, c.onFailure(ctx, res, sortedHosts(failed))
	}
	return true, c.saveReply(reply)
}

// StateHash compares hash fields in replies against hashes of state
// subtrees, so nodes can prove they hold the same configuration without
// shipping it back.
type StateHash struct {
	base
	paths map[string]string
}

// NewStateHash builds a state-hash check over a field-to-path map.
func NewStateHash(name string, paths map[string]string, opts Opts) (*StateHash, error) {
	for _, path := range paths {
		if _, err := opts.State.FindOrCreate(path); err != nil {
			return nil, err
		}
	}
	return &StateHash{base: base{name: name, opts: opts}, paths: paths}, nil
}

// Run implements Check.
func (c *StateHash) Run(ctx context.Context, res *result.Result) (bool, error) {
	reply := res.Replies()
	failed := map[types.Host]struct{}{}
	for host, r := range reply {
		fields, ok := r.(map[string]any)
		if !ok || len(fields) == 0 {
			for name := range c.paths {
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "missing", name)
			}
			continue
		}
		for name, path := range c.paths {
			got, ok := fields[name]
			if !ok {
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "missing", name)
				continue
			}
			want, err := c.opts.State.Hash(path)
			if err != nil {
				return false, err
			}
			if got != any(want) {
				c.logger().Debug("reply hash does not match state hash",
					zap.String("check", c.name), zap.Stringer("host", host),
					zap.String("value", name), zap.String("path", path))
				failed[host] = struct{}{}
				res.ReportFailure(c.name, host, "mismatch_with_state_hash", name)
			}
		}
	}
	if len(failed) > 0 {
		return false, c.onFailure(ctx, res, sortedHosts(failed))
	}
	return true, c.saveReply(reply)
}
