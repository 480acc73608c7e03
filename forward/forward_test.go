package forward

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/coco/blocklist"
	"github.com/pithecene-io/coco/types"
)

func hostOf(t *testing.T, srv *httptest.Server) types.Host {
	t.Helper()
	h, err := types.NewHost(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("NewHost(%q) error = %v", srv.URL, err)
	}
	return h
}

func newForwarder(t *testing.T, limit int) *Forwarder {
	t.Helper()
	return New(nil, limit, 5*time.Second, nil, zap.NewNop())
}

func TestExternal_FanOut(t *testing.T) {
	var hosts []types.Host
	for i := 0; i < 3; i++ {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"ok": true}`)
		}))
		defer srv.Close()
		hosts = append(hosts, hostOf(t, srv))
	}

	f := newForwarder(t, 2)
	replies := f.External(context.Background(), "status", http.MethodGet, nil, hosts, 0)
	if len(replies) != 3 {
		t.Fatalf("len(replies) = %d, want 3", len(replies))
	}
	for h, reply := range replies {
		if reply.Status != 200 {
			t.Errorf("%s status = %d, want 200", h, reply.Status)
		}
		body, ok := reply.Body.(map[string]any)
		if !ok || body["ok"] != true {
			t.Errorf("%s body = %v, want decoded JSON map", h, reply.Body)
		}
	}
}

func TestExternal_ForwardsRequestBody(t *testing.T) {
	var gotMethod string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	f := newForwarder(t, 1)
	f.External(context.Background(), "set-mode", http.MethodPost,
		map[string]any{"mode": "run"}, []types.Host{hostOf(t, srv)}, 0)

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotBody["mode"] != "run" {
		t.Errorf("body = %v, want mode=run", gotBody)
	}
}

func TestExternal_SkipsBlockedHosts(t *testing.T) {
	var calls int
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, `{}`)
	}))
	defer srv2.Close()

	h1 := hostOf(t, srv1)
	h2 := hostOf(t, srv2)

	bl, err := blocklist.New(filepath.Join(t.TempDir(), "blocklist.json"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	f := New(bl, 2, 5*time.Second, nil, zap.NewNop())
	f.AddGroup("receivers", []types.Host{h1, h2})
	if err := bl.Add([]string{h2.String()}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	replies := f.External(context.Background(), "status", http.MethodGet, nil, []types.Host{h1, h2}, 0)
	if len(replies) != 1 {
		t.Fatalf("len(replies) = %d, want 1", len(replies))
	}
	if _, ok := replies[h2]; ok {
		t.Error("blocked host present in replies")
	}
	if calls != 0 {
		t.Errorf("blocked host received %d calls, want 0", calls)
	}
}

func TestExternal_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()
	h := hostOf(t, srv)

	f := newForwarder(t, 1)
	replies := f.External(context.Background(), "slow", http.MethodGet, nil, []types.Host{h}, 20*time.Millisecond)
	reply, ok := replies[h]
	if !ok {
		t.Fatal("no reply recorded for timed-out host")
	}
	if reply.Status != 0 {
		t.Errorf("status = %d, want 0", reply.Status)
	}
	if reply.Body != "Timeout" {
		t.Errorf("body = %v, want %q", reply.Body, "Timeout")
	}
}

func TestExternal_TextReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong!")
	}))
	defer srv.Close()
	h := hostOf(t, srv)

	f := newForwarder(t, 1)
	replies := f.External(context.Background(), "ping", http.MethodGet, nil, []types.Host{h}, 0)
	if replies[h].Body != "pong!" {
		t.Errorf("body = %v, want raw text fallback", replies[h].Body)
	}
}

func TestExternal_NormalizesNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"count": 3, "gain": 1.5}`)
	}))
	defer srv.Close()
	h := hostOf(t, srv)

	f := newForwarder(t, 1)
	replies := f.External(context.Background(), "status", http.MethodGet, nil, []types.Host{h}, 0)
	body, ok := replies[h].Body.(map[string]any)
	if !ok {
		t.Fatalf("body = %T, want map", replies[h].Body)
	}
	if body["count"] != int64(3) {
		t.Errorf("count = %v (%T), want int64(3)", body["count"], body["count"])
	}
	if body["gain"] != 1.5 {
		t.Errorf("gain = %v (%T), want 1.5", body["gain"], body["gain"])
	}
}
