// Package frontend is the HTTP surface of the controller. Handlers
// never touch the state store or engine directly: a request is
// admitted to the queue and the handler blocks on the correlated
// response keys until the worker has served it.
package frontend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pithecene-io/coco/apierror"
	"github.com/pithecene-io/coco/endpoint"
	"github.com/pithecene-io/coco/metrics"
	"github.com/pithecene-io/coco/queue"
)

// queueFullReply is the literal body clients receive on overload.
const queueFullReply = "Coco queue is full."

// Frontend accepts client requests and relays worker responses.
type Frontend struct {
	queue    *queue.Queue
	registry *endpoint.Registry
	metrics  *metrics.Metrics
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a frontend. timeout bounds how long a handler waits for
// the worker's response.
func New(q *queue.Queue, reg *endpoint.Registry, m *metrics.Metrics, timeout time.Duration, logger *zap.Logger) *Frontend {
	return &Frontend{queue: q, registry: reg, metrics: m, timeout: timeout, logger: logger}
}

// Router builds the HTTP routes: the metrics scrape plus one dynamic
// route per endpoint name.
func (f *Frontend) Router() chi.Router {
	r := chi.NewRouter()
	r.Handle("/metrics", f.metrics.Handler())
	r.MethodFunc(http.MethodGet, "/{endpoint}", f.handle)
	r.MethodFunc(http.MethodPost, "/{endpoint}", f.handle)
	return r
}

// handle enqueues one request and blocks for the worker's answer.
// Unknown endpoint names are rejected here, before anything is
// enqueued.
func (f *Frontend) handle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "endpoint")
	if !endpoint.IsBuiltin(name) {
		if _, ok := f.registry.Get(name); !ok {
			ae := apierror.InvalidPath(fmt.Sprintf("Endpoint /%s not found.", name))
			writeJSON(w, ae.Status, ae.Dict())
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		ae := apierror.InvalidUsage(fmt.Sprintf("Could not read request body: %v.", err))
		writeJSON(w, ae.Status, ae.Dict())
		return
	}

	entry := queue.NewEntry(r.Method, name, body, r.URL.RawQuery)
	admitted, err := f.queue.Push(r.Context(), entry)
	if err != nil {
		f.logger.Error("could not enqueue request",
			zap.String("endpoint", name), zap.Error(err))
		ae := apierror.From(err)
		writeJSON(w, ae.Status, ae.Dict())
		return
	}
	if !admitted {
		f.logger.Warn("queue full, dropping request", zap.String("endpoint", name))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"reply":  queueFullReply,
			"status": http.StatusServiceUnavailable,
		})
		return
	}

	report, code, err := f.queue.AwaitResponse(r.Context(), entry.ID, f.timeout)
	if err != nil {
		f.logger.Error("no response from worker",
			zap.String("endpoint", name), zap.String("id", entry.ID), zap.Error(err))
		ae := apierror.From(err)
		writeJSON(w, ae.Status, ae.Dict())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(report)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
