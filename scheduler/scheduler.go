// Package scheduler re-invokes endpoints on their configured periods.
// Fires go through the controller's own frontend rather than straight
// into the engine, so scheduled calls observe the same queue
// backpressure and metrics as client calls.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/coco/endpoint"
	"github.com/pithecene-io/coco/iox"
	"github.com/pithecene-io/coco/state"
)

// Scheduler owns one timer per scheduled endpoint.
type Scheduler struct {
	endpoints []*endpoint.Endpoint
	state     *state.Store
	baseURL   string
	client    *http.Client
	logger    *zap.Logger
}

// New builds a scheduler for every endpoint in the registry that
// carries a schedule block. Fires target http://host:port/<name> with
// the frontend timeout.
func New(reg *endpoint.Registry, st *state.Store, host string, port int, frontendTimeout time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		endpoints: reg.Scheduled(),
		state:     st,
		baseURL:   fmt.Sprintf("http://%s:%d", host, port),
		client:    &http.Client{Timeout: frontendTimeout},
		logger:    logger,
	}
}

// Run starts all timers and blocks until the context is cancelled.
// In-flight fires drain naturally.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ep := range s.endpoints {
		wg.Add(1)
		go func(ep *endpoint.Endpoint) {
			defer wg.Done()
			s.runTimer(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

func (s *Scheduler) runTimer(ctx context.Context, ep *endpoint.Endpoint) {
	s.logger.Info("scheduling endpoint",
		zap.String("endpoint", ep.Name), zap.Duration("period", ep.Schedule.Period))
	ticker := time.NewTicker(ep.Schedule.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, ep)
		}
	}
}

// fire evaluates the endpoint's gating conditions and, when all are
// met, issues the HTTP request. Unmet conditions skip the tick
// silently.
func (s *Scheduler) fire(ctx context.Context, ep *endpoint.Endpoint) {
	conds := append(append([]endpoint.Condition{}, ep.Schedule.Conditions...), ep.RequireState...)
	for _, cond := range conds {
		met, err := cond.Met(s.state)
		if err != nil {
			s.logger.Error("could not evaluate schedule condition",
				zap.String("endpoint", ep.Name), zap.Error(err))
			return
		}
		if !met {
			s.logger.Debug("skipping scheduled tick",
				zap.String("endpoint", ep.Name), zap.String("path", cond.Path))
			return
		}
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, s.baseURL+"/"+ep.Name, nil)
	if err != nil {
		s.logger.Error("could not build scheduled request",
			zap.String("endpoint", ep.Name), zap.Error(err))
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("scheduled call failed",
			zap.String("endpoint", ep.Name), zap.Error(err))
		return
	}
	io.Copy(io.Discard, resp.Body)
	iox.DiscardClose(resp.Body)
	s.logger.Debug("scheduled call finished",
		zap.String("endpoint", ep.Name), zap.Int("status", resp.StatusCode))
}
