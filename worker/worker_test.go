package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pithecene-io/coco/blocklist"
	"github.com/pithecene-io/coco/endpoint"
	"github.com/pithecene-io/coco/forward"
	"github.com/pithecene-io/coco/queue"
	"github.com/pithecene-io/coco/state"
)

// newEngine builds an engine with a single scheduled-free "status"
// endpoint and no hosts, so invocations always succeed locally.
func newEngine(t *testing.T) *endpoint.Engine {
	t.Helper()
	logger := zap.NewNop()
	st, err := state.New(t.TempDir(), nil, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	bl, err := blocklist.New(filepath.Join(t.TempDir(), "blocklist.json"), logger)
	if err != nil {
		t.Fatal(err)
	}
	fwd := forward.New(bl, 1, time.Second, nil, logger)
	fwd.AddGroup("receivers", nil)

	dir := t.TempDir()
	conf := "group: receivers\nget_state: run\n"
	if err := os.WriteFile(filepath.Join(dir, "status.conf"), []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := endpoint.LoadDir(dir, endpoint.Deps{Forwarder: fwd, State: st, Logger: logger})
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if err := st.Write("run/armed", true, ""); err != nil {
		t.Fatal(err)
	}
	engine := endpoint.NewEngine(reg, fwd, st, bl, time.Second, logger)
	fwd.SetDispatcher(engine)
	return engine
}

func decodeReport(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var d map[string]any
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("invalid report JSON %q: %v", data, err)
	}
	return d
}

func TestProcess_Success(t *testing.T) {
	w := New(nil, newEngine(t), zap.NewNop())
	report, code := w.process(context.Background(),
		&queue.Entry{ID: "1", Method: "GET", Endpoint: "status"})
	if code != 200 {
		t.Fatalf("code = %d, want 200", code)
	}
	d := decodeReport(t, report)
	if d["success"] != true {
		t.Errorf("success = %v, want true", d["success"])
	}
}

func TestProcess_MalformedBody(t *testing.T) {
	w := New(nil, newEngine(t), zap.NewNop())
	report, code := w.process(context.Background(),
		&queue.Entry{ID: "1", Method: "GET", Endpoint: "status", Body: []byte(`{"x":`)})
	if code != 400 {
		t.Fatalf("code = %d, want 400", code)
	}
	d := decodeReport(t, report)
	if d["status_code"] != float64(400) {
		t.Errorf("status_code = %v, want 400", d["status_code"])
	}
}

func TestProcess_UnknownEndpoint(t *testing.T) {
	w := New(nil, newEngine(t), zap.NewNop())
	_, code := w.process(context.Background(),
		&queue.Entry{ID: "1", Method: "GET", Endpoint: "nope"})
	if code != 404 {
		t.Errorf("code = %d, want 404", code)
	}
}

func TestProcess_MethodMismatch(t *testing.T) {
	w := New(nil, newEngine(t), zap.NewNop())
	_, code := w.process(context.Background(),
		&queue.Entry{ID: "1", Method: "POST", Endpoint: "status"})
	if code != 405 {
		t.Errorf("code = %d, want 405", code)
	}
}

func TestProcess_ReportTypeFromQuery(t *testing.T) {
	w := New(nil, newEngine(t), zap.NewNop())
	report, code := w.process(context.Background(),
		&queue.Entry{ID: "1", Method: "GET", Endpoint: "status", Query: "coco_report_type=FULL"})
	if code != 200 {
		t.Fatalf("code = %d, want 200", code)
	}
	d := decodeReport(t, report)
	if _, ok := d["state"]; !ok {
		t.Error("FULL report missing state")
	}
}

func TestProcess_InvalidReportType(t *testing.T) {
	w := New(nil, newEngine(t), zap.NewNop())
	_, code := w.process(context.Background(),
		&queue.Entry{ID: "1", Method: "GET", Endpoint: "status", Query: "coco_report_type=TERSE"})
	if code != 400 {
		t.Errorf("code = %d, want 400", code)
	}
}

func TestDecode_QueryFillsMissingKeys(t *testing.T) {
	w := New(nil, nil, zap.NewNop())
	request, _, ae := w.decode(&queue.Entry{
		Body:  []byte(`{"mode": "run"}`),
		Query: "mode=idle&extra=1&coco_report_type=FULL",
	})
	if ae != nil {
		t.Fatalf("decode() error = %v", ae)
	}
	if request["mode"] != "run" {
		t.Errorf("mode = %v, want body value to win", request["mode"])
	}
	if request["extra"] != "1" {
		t.Errorf("extra = %v, want query value", request["extra"])
	}
	if _, ok := request["coco_report_type"]; ok {
		t.Error("report type parameter leaked into the request")
	}
}

func TestDecode_ReportTypeFromBody(t *testing.T) {
	w := New(nil, nil, zap.NewNop())
	request, rtype, ae := w.decode(&queue.Entry{
		Body: []byte(`{"coco_report_type": "CODES", "mode": "run"}`),
	})
	if ae != nil {
		t.Fatalf("decode() error = %v", ae)
	}
	if string(rtype) != "CODES" {
		t.Errorf("rtype = %q, want CODES", rtype)
	}
	if _, ok := request["coco_report_type"]; ok {
		t.Error("report type key not consumed from the body")
	}
}

func TestProcess_PanicRecovered(t *testing.T) {
	// A nil engine makes Dispatch panic; the client must still get a
	// well-formed 500.
	w := New(nil, nil, zap.NewNop())
	report, code := w.process(context.Background(),
		&queue.Entry{ID: "1", Method: "GET", Endpoint: "status"})
	if code != 500 {
		t.Fatalf("code = %d, want 500", code)
	}
	d := decodeReport(t, report)
	if d["status_code"] != float64(500) {
		t.Errorf("status_code = %v, want 500", d["status_code"])
	}
}

func TestRun_ServesUntilSentinel(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(client, 0, nil, zap.NewNop())
	ctx := context.Background()

	entry := queue.NewEntry("GET", "status", nil, "")
	if _, err := q.Push(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if err := q.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	w := New(q, newEngine(t), zap.NewNop())
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	report, code, err := q.AwaitResponse(ctx, entry.ID, time.Second)
	if err != nil {
		t.Fatalf("AwaitResponse() error = %v", err)
	}
	if code != 200 {
		t.Errorf("code = %d, want 200", code)
	}
	d := decodeReport(t, report)
	if d["success"] != true {
		t.Errorf("success = %v, want true", d["success"])
	}
}
