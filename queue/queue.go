// Package queue is the bounded FIFO between the frontend and the
// worker, backed by redis. Admission is atomic: a server-side script
// checks the length bound, writes the entry hash and pushes the id in
// one step, so bursts can never over-admit past the bound. Responses
// travel back over two correlated keys derived from the entry id.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pithecene-io/coco/apierror"
	"github.com/pithecene-io/coco/metrics"
)

const (
	// queueKey is the redis list holding pending entry ids.
	queueKey = "coco_queue"
	// shutdownID drains the worker when popped.
	shutdownID = "coco_shutdown"
	// popTimeout bounds each blocking pop so the worker can notice
	// context cancellation.
	popTimeout = 30 * time.Second
	// responseTTL reaps response keys nobody collects.
	responseTTL = 10 * time.Minute
)

// admit checks the length bound, stores the entry hash and pushes its
// id, all server-side. KEYS[1] = queue list, KEYS[2] = entry hash.
// ARGV[1] = bound (0 = unbounded), ARGV[2..] = entry fields.
var admit = redis.NewScript(`
local bound = tonumber(ARGV[1])
if bound > 0 and redis.call('LLEN', KEYS[1]) >= bound then
	return 0
end
redis.call('HSET', KEYS[2], 'method', ARGV[2], 'endpoint', ARGV[3], 'request', ARGV[4], 'query', ARGV[5])
redis.call('RPUSH', KEYS[1], KEYS[2])
return 1
`)

// Entry is one queued request.
type Entry struct {
	ID       string
	Method   string
	Endpoint string
	Body     []byte
	Query    string
}

// NewEntry builds an entry with a process-unique id.
func NewEntry(method, endpoint string, body []byte, query string) *Entry {
	return &Entry{
		ID:       fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano()),
		Method:   method,
		Endpoint: endpoint,
		Body:     body,
		Query:    query,
	}
}

// Queue wraps the redis coordination between frontend and worker.
type Queue struct {
	client  *redis.Client
	bound   int64
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a queue over the given client. bound 0 disables the
// length limit.
func New(client *redis.Client, bound int64, m *metrics.Metrics, logger *zap.Logger) *Queue {
	return &Queue{client: client, bound: bound, metrics: m, logger: logger}
}

// Push admits an entry. Returns false when the queue is full; the
// entry then never reaches the worker.
func (q *Queue) Push(ctx context.Context, e *Entry) (bool, error) {
	admitted, err := admit.Run(ctx, q.client,
		[]string{queueKey, e.ID},
		q.bound, e.Method, e.Endpoint, string(e.Body), e.Query).Int()
	if err != nil {
		return false, fmt.Errorf("queue push: %w", err)
	}
	if admitted == 0 {
		if q.metrics != nil {
			q.metrics.Dropped.WithLabelValues(e.Endpoint).Inc()
		}
		return false, nil
	}
	if q.metrics != nil {
		q.metrics.Requests.WithLabelValues(e.Endpoint).Inc()
	}
	q.updateLength(ctx)
	return true, nil
}

// Pop blocks for the next entry. A nil entry with nil error means the
// shutdown sentinel was consumed and the caller should drain.
func (q *Queue) Pop(ctx context.Context) (*Entry, error) {
	for {
		vals, err := q.client.BLPop(ctx, popTimeout, queueKey).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue pop: %w", err)
		}
		id := vals[1]
		q.updateLength(ctx)
		if id == shutdownID {
			return nil, nil
		}
		fields, err := q.client.HGetAll(ctx, id).Result()
		if err != nil {
			return nil, fmt.Errorf("queue entry %s: %w", id, err)
		}
		if err := q.client.Del(ctx, id).Err(); err != nil {
			q.logger.Warn("could not delete queue entry", zap.String("id", id), zap.Error(err))
		}
		if len(fields) == 0 {
			q.logger.Warn("queued entry vanished", zap.String("id", id))
			continue
		}
		return &Entry{
			ID:       id,
			Method:   fields["method"],
			Endpoint: fields["endpoint"],
			Body:     []byte(fields["request"]),
			Query:    fields["query"],
		}, nil
	}
}

// Respond delivers the worker's answer for an entry: the serialised
// report followed by the HTTP status code.
func (q *Queue) Respond(ctx context.Context, id string, report []byte, code int) error {
	resKey, codeKey := id+":res", id+":code"
	if err := q.client.RPush(ctx, resKey, report).Err(); err != nil {
		return fmt.Errorf("deliver response: %w", err)
	}
	if err := q.client.RPush(ctx, codeKey, code).Err(); err != nil {
		return fmt.Errorf("deliver response code: %w", err)
	}
	q.client.Expire(ctx, resKey, responseTTL)
	q.client.Expire(ctx, codeKey, responseTTL)
	return nil
}

// AwaitResponse blocks until the worker responds to the entry, up to
// timeout.
func (q *Queue) AwaitResponse(ctx context.Context, id string, timeout time.Duration) ([]byte, int, error) {
	vals, err := q.client.BLPop(ctx, timeout, id+":res").Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, apierror.Internalf("timed out waiting for response to request %s", id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("await response: %w", err)
	}
	report := []byte(vals[1])

	vals, err = q.client.BLPop(ctx, timeout, id+":code").Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, apierror.Internalf("timed out waiting for response code to request %s", id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("await response code: %w", err)
	}
	var code int
	if _, err := fmt.Sscanf(vals[1], "%d", &code); err != nil {
		return nil, 0, fmt.Errorf("parse response code %q: %w", vals[1], err)
	}
	return report, code, nil
}

// Shutdown pushes the drain sentinel. The worker exits after serving
// everything queued ahead of it.
func (q *Queue) Shutdown(ctx context.Context) error {
	return q.client.RPush(ctx, queueKey, shutdownID).Err()
}

// Length returns the current queue depth.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}

func (q *Queue) updateLength(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return
	}
	q.metrics.QueueLength.Set(float64(n))
}
