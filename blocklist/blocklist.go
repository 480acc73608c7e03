// Package blocklist maintains the persistent set of hosts excluded from
// fan-out. The set is persisted with the same atomic-commit discipline
// as the state store, but in its own document so that state reset and
// snapshot loads never touch operational host management.
package blocklist

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pithecene-io/coco/apierror"
	"github.com/pithecene-io/coco/state"
	"github.com/pithecene-io/coco/types"
)

// hostsKey is the document field holding the persisted host list.
const hostsKey = "blacklist_hosts"

// Blocklist is the set of blocked hosts plus the universe of known
// hosts used to resolve update arguments.
type Blocklist struct {
	doc    *state.Document
	hosts  map[types.Host]struct{}
	known  map[string]map[types.Host]struct{}
	logger *zap.Logger
}

// New opens the blocklist persisted at path.
func New(path string, logger *zap.Logger) (*Blocklist, error) {
	doc, err := state.OpenDocument(path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	b := &Blocklist{
		doc:    doc,
		known:  map[string]map[types.Host]struct{}{},
		logger: logger,
	}
	if !doc.Loaded() {
		if err := doc.Update(func(draft map[string]any) (map[string]any, error) {
			draft[hostsKey] = []any{}
			return draft, nil
		}); err != nil {
			return nil, err
		}
	}
	if err := b.buildHosts(); err != nil {
		return nil, err
	}
	return b, nil
}

// buildHosts caches the host set from the persisted document.
func (b *Blocklist) buildHosts() error {
	b.hosts = map[types.Host]struct{}{}
	raw, _ := b.doc.Snapshot()[hostsKey].([]any)
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return fmt.Errorf("invalid blocklist entry %v", entry)
		}
		h, err := types.NewHost(s)
		if err != nil {
			return fmt.Errorf("invalid blocklist entry: %w", err)
		}
		b.hosts[h] = struct{}{}
	}
	return nil
}

// AddKnownHosts extends the set of hosts that update arguments may
// resolve against. Called once per configured group at startup.
func (b *Blocklist) AddKnownHosts(hosts []types.Host) {
	for _, h := range hosts {
		set, ok := b.known[h.Hostname]
		if !ok {
			set = map[types.Host]struct{}{}
			b.known[h.Hostname] = set
		}
		set[h] = struct{}{}
	}
}

// Contains reports whether a host is blocked. Consulted by the
// forwarder before each per-host dispatch.
func (b *Blocklist) Contains(h types.Host) bool {
	_, ok := b.hosts[h]
	return ok
}

// Hosts returns the blocked hosts, sorted.
func (b *Blocklist) Hosts() []types.Host {
	out := make([]types.Host, 0, len(b.hosts))
	for h := range b.hosts {
		out = append(out, h)
	}
	types.SortHosts(out)
	return out
}

// Strings returns the blocked hosts as "host:port" strings, sorted.
func (b *Blocklist) Strings() []string {
	hosts := b.Hosts()
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.String()
	}
	return out
}

// checkHosts resolves update arguments against the known hosts. A
// hostname-only argument resolves iff exactly one known host has that
// hostname. If any argument fails the whole batch is rejected.
func (b *Blocklist) checkHosts(args []string) ([]types.Host, error) {
	var resolved []types.Host
	var bad []string
	for _, arg := range args {
		h, err := types.NewHost(arg)
		if err != nil {
			bad = append(bad, arg)
			continue
		}
		candidates, ok := b.known[h.Hostname]
		if !ok {
			b.logger.Debug("no known host with matching hostname", zap.String("hostname", h.Hostname))
			bad = append(bad, arg)
			continue
		}
		if !h.HasPort() {
			if len(candidates) != 1 {
				b.logger.Debug("hostname does not resolve to a unique host",
					zap.String("hostname", h.Hostname), zap.Int("candidates", len(candidates)))
				bad = append(bad, arg)
				continue
			}
			for c := range candidates {
				h = c
			}
		} else if _, ok := candidates[h]; !ok {
			b.logger.Debug("no known host with matching port",
				zap.String("hostname", h.Hostname), zap.Int("port", h.Port))
			bad = append(bad, arg)
			continue
		}
		resolved = append(resolved, h)
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, bad2err(bad)
	}
	return resolved, nil
}

func bad2err(bad []string) error {
	return apierror.InvalidUsageContext("Could not update blocklist as some hosts unknown.", bad)
}

// Add puts hosts on the blocklist. All-or-nothing: if any argument
// cannot be resolved the set is unchanged.
func (b *Blocklist) Add(args []string) error {
	hosts, err := b.checkHosts(args)
	if err != nil {
		return err
	}
	add := map[types.Host]struct{}{}
	for _, h := range hosts {
		if b.Contains(h) {
			b.logger.Debug("host already blocklisted", zap.Stringer("host", h))
			continue
		}
		add[h] = struct{}{}
	}
	if len(add) == 0 {
		b.logger.Debug("nothing to add to blocklist")
		return nil
	}
	next := make([]types.Host, 0, len(b.hosts)+len(add))
	for h := range b.hosts {
		next = append(next, h)
	}
	for h := range add {
		next = append(next, h)
	}
	b.logger.Info("adding hosts to blocklist", zap.String("hosts", types.PrintHosts(b.Hosts())))
	return b.persist(next)
}

// Remove takes hosts off the blocklist. All-or-nothing like Add.
func (b *Blocklist) Remove(args []string) error {
	hosts, err := b.checkHosts(args)
	if err != nil {
		return err
	}
	remove := map[types.Host]struct{}{}
	for _, h := range hosts {
		if !b.Contains(h) {
			b.logger.Debug("host not in blocklist", zap.Stringer("host", h))
			continue
		}
		remove[h] = struct{}{}
	}
	if len(remove) == 0 {
		b.logger.Debug("nothing to remove from blocklist")
		return nil
	}
	next := make([]types.Host, 0, len(b.hosts))
	for h := range b.hosts {
		if _, drop := remove[h]; !drop {
			next = append(next, h)
		}
	}
	b.logger.Info("removing hosts from blocklist", zap.Int("count", len(remove)))
	return b.persist(next)
}

// Clear empties the blocklist unconditionally.
func (b *Blocklist) Clear() error {
	return b.persist(nil)
}

func (b *Blocklist) persist(hosts []types.Host) error {
	types.SortHosts(hosts)
	entries := make([]any, len(hosts))
	for i, h := range hosts {
		entries[i] = h.String()
	}
	if err := b.doc.Update(func(draft map[string]any) (map[string]any, error) {
		draft[hostsKey] = entries
		return draft, nil
	}); err != nil {
		return err
	}
	return b.buildHosts()
}
