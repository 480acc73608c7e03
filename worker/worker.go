// Package worker consumes the request queue and drives the endpoint
// engine. A single worker serialises all endpoint execution: entries
// are served strictly in queue order, and every accepted entry gets
// exactly one response delivered to its correlated keys.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/pithecene-io/coco/apierror"
	"github.com/pithecene-io/coco/endpoint"
	"github.com/pithecene-io/coco/queue"
	"github.com/pithecene-io/coco/state"
	"github.com/pithecene-io/coco/types"
)

// reportTypeParam selects the report projection via query string or
// request body.
const reportTypeParam = "coco_report_type"

// Worker owns the consumption side of the queue.
type Worker struct {
	queue  *queue.Queue
	engine *endpoint.Engine
	logger *zap.Logger
}

// New creates a worker.
func New(q *queue.Queue, e *endpoint.Engine, logger *zap.Logger) *Worker {
	return &Worker{queue: q, engine: e, logger: logger}
}

// Run serves queue entries until the shutdown sentinel is consumed or
// the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		entry, err := w.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if entry == nil {
			w.logger.Info("shutdown sentinel received")
			return nil
		}
		report, code := w.process(ctx, entry)
		if err := w.queue.Respond(ctx, entry.ID, report, code); err != nil {
			w.logger.Error("could not deliver response",
				zap.String("id", entry.ID), zap.Error(err))
		}
	}
}

// process turns one entry into a serialised report and status code.
// Panics are contained here: the client sees a 500 and the stack goes
// to the logs.
func (w *Worker) process(ctx context.Context, entry *queue.Entry) (report []byte, code int) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while serving request",
				zap.String("endpoint", entry.Endpoint),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			ae := apierror.Internalf("%v", r)
			ae.Context = map[string]any{"type": fmt.Sprintf("%T", r)}
			report, code = serializeError(ae)
		}
	}()

	request, rtype, ae := w.decode(entry)
	if ae != nil {
		return serializeError(ae)
	}

	res, err := w.engine.Dispatch(ctx, entry.Method, entry.Endpoint, request)
	if err != nil {
		ae := apierror.From(err)
		if ae.Status >= 500 {
			w.logger.Error("request failed",
				zap.String("endpoint", entry.Endpoint), zap.Error(err))
		} else {
			w.logger.Debug("request rejected",
				zap.String("endpoint", entry.Endpoint), zap.Error(err))
		}
		return serializeError(ae)
	}

	data, err := json.Marshal(res.Report(rtype))
	if err != nil {
		w.logger.Error("could not serialise report",
			zap.String("endpoint", entry.Endpoint), zap.Error(err))
		return serializeError(apierror.Internalf("could not serialise report: %v", err))
	}
	return data, 200
}

// decode parses the entry body and query string into the request dict
// and report type. Query parameters fill in keys the body does not
// set; the body always wins.
func (w *Worker) decode(entry *queue.Entry) (map[string]any, types.ReportType, *apierror.Error) {
	request := map[string]any{}
	if len(bytes.TrimSpace(entry.Body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(entry.Body))
		dec.UseNumber()
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, "", apierror.InvalidUsage(fmt.Sprintf("Invalid JSON body: %v.", err))
		}
		request = state.Normalize(raw).(map[string]any)
	}

	var rtype types.ReportType
	query, err := url.ParseQuery(entry.Query)
	if err != nil {
		return nil, "", apierror.InvalidUsage(fmt.Sprintf("Invalid query string: %v.", err))
	}
	for key, vals := range query {
		if len(vals) == 0 {
			continue
		}
		if key == reportTypeParam {
			continue
		}
		if _, ok := request[key]; !ok {
			request[key] = vals[0]
		}
	}

	raw := query.Get(reportTypeParam)
	if raw == "" {
		if v, ok := request[reportTypeParam].(string); ok {
			raw = v
			delete(request, reportTypeParam)
		}
	}
	if raw != "" {
		rtype, err = types.ParseReportType(raw)
		if err != nil {
			return nil, "", apierror.InvalidUsage(fmt.Sprintf("%v.", err))
		}
	}
	return request, rtype, nil
}

func serializeError(ae *apierror.Error) ([]byte, int) {
	data, err := json.Marshal(ae.Dict())
	if err != nil {
		data = []byte(`{"status_code": 500, "message": "internal error"}`)
	}
	return data, ae.Status
}
