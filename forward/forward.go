// Package forward sends calls to the nodes. External calls fan out an
// HTTP request to every host in a group (minus blocked hosts) under a
// bounded session limit; internal calls route to another endpoint
// through the Dispatcher the engine registers at startup.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/coco/blocklist"
	"github.com/pithecene-io/coco/iox"
	"github.com/pithecene-io/coco/metrics"
	"github.com/pithecene-io/coco/result"
	"github.com/pithecene-io/coco/state"
	"github.com/pithecene-io/coco/types"
)

// Dispatcher routes an internal call to another endpoint. A non-nil
// hosts slice restricts the fan-out of the called endpoint to those
// hosts.
type Dispatcher interface {
	Internal(ctx context.Context, name string, request map[string]any, hosts []types.Host) (*result.Result, error)
}

// Forwarder owns the host groups and performs the external fan-out.
type Forwarder struct {
	groups     map[string][]types.Host
	blocklist  *blocklist.Blocklist
	client     *http.Client
	limit      int
	metrics    *metrics.Metrics
	dispatcher Dispatcher
	logger     *zap.Logger
}

// New creates a forwarder. limit bounds the number of concurrent
// outbound sessions across one fan-out.
func New(bl *blocklist.Blocklist, limit int, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Forwarder {
	if limit <= 0 {
		limit = 1
	}
	return &Forwarder{
		groups:    map[string][]types.Host{},
		blocklist: bl,
		client:    &http.Client{Timeout: timeout},
		limit:     limit,
		metrics:   m,
		logger:    logger,
	}
}

// AddGroup registers a named host group and feeds the hosts to the
// blocklist resolver.
func (f *Forwarder) AddGroup(name string, hosts []types.Host) {
	f.groups[name] = hosts
	if f.blocklist != nil {
		f.blocklist.AddKnownHosts(hosts)
	}
}

// Group returns the hosts of a named group.
func (f *Forwarder) Group(name string) ([]types.Host, bool) {
	hosts, ok := f.groups[name]
	return hosts, ok
}

// Groups returns the configured group names.
func (f *Forwarder) Groups() []string {
	names := make([]string, 0, len(f.groups))
	for name := range f.groups {
		names = append(names, name)
	}
	return names
}

// SetDispatcher registers the internal endpoint dispatcher. Called once
// after the engine is built.
func (f *Forwarder) SetDispatcher(d Dispatcher) { f.dispatcher = d }

// Internal routes a call to another endpoint.
func (f *Forwarder) Internal(ctx context.Context, name string, request map[string]any, hosts []types.Host) (*result.Result, error) {
	return f.dispatcher.Internal(ctx, name, request, hosts)
}

// External fans a request out to hosts, skipping blocked ones. The
// endpoint label on metrics and the path on the nodes are both name.
// A zero timeout uses the client default.
func (f *Forwarder) External(ctx context.Context, name, method string, request map[string]any, hosts []types.Host, timeout time.Duration) map[types.Host]result.Reply {
	var body []byte
	if len(request) > 0 {
		body, _ = json.Marshal(request)
	}

	replies := make(map[types.Host]result.Reply, len(hosts))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, f.limit)

	for _, host := range hosts {
		if f.blocklist != nil && f.blocklist.Contains(host) {
			f.logger.Debug("skipping blocklisted host",
				zap.String("endpoint", name), zap.Stringer("host", host))
			continue
		}
		wg.Add(1)
		go func(host types.Host) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			reply := f.call(ctx, name, method, host, body, timeout)
			mu.Lock()
			replies[host] = reply
			mu.Unlock()
		}(host)
	}
	wg.Wait()
	return replies
}

// call performs one outbound request and shapes the reply. Transport
// failures come back with status 0 and the failure text as body.
func (f *Forwarder) call(ctx context.Context, name, method string, host types.Host, body []byte, timeout time.Duration) result.Reply {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, host.JoinEndpoint(name), rd)
	if err != nil {
		return result.Reply{Body: err.Error(), Status: 0}
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "Timeout"
		}
		f.logger.Warn("external call failed", zap.String("endpoint", name),
			zap.Stringer("host", host), zap.Error(err))
		if f.metrics != nil {
			f.metrics.ObserveCall(name, host, 0, elapsed)
		}
		return result.Reply{Body: msg, Status: 0}
	}
	defer iox.DiscardClose(resp.Body)

	if f.metrics != nil {
		f.metrics.ObserveCall(name, host, resp.StatusCode, elapsed)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return result.Reply{Body: err.Error(), Status: resp.StatusCode}
	}
	return result.Reply{Body: decodeBody(data), Status: resp.StatusCode}
}

// decodeBody parses the reply as JSON if possible, falling back to the
// raw text.
func decodeBody(data []byte) any {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(data)
	}
	return state.Normalize(v)
}
