package result

import (
	"reflect"
	"testing"

	"github.com/pithecene-io/coco/types"
)

var (
	h1 = types.Host{Hostname: "h1", Port: 11}
	h2 = types.Host{Hostname: "h2", Port: 22}
)

func twoHostResult() *Result {
	r := New("test", types.ReportFull)
	r.AddReplies("test", map[types.Host]Reply{
		h1: {Body: map[string]any{"ok": true}, Status: 200},
		h2: {Body: map[string]any{"ok": true}, Status: 503},
	})
	return r
}

func TestResult_ReportFull(t *testing.T) {
	d := twoHostResult().Report(types.ReportFull)
	if d["success"] != true {
		t.Errorf("success = %v, want true", d["success"])
	}
	fwd, ok := d["test"].(map[string]any)
	if !ok {
		t.Fatalf("test = %v, want per-host map", d["test"])
	}
	entry, ok := fwd[h1.URL()].(map[string]any)
	if !ok {
		t.Fatalf("missing entry for %s", h1.URL())
	}
	if entry["status"] != 200 {
		t.Errorf("h1 status = %v, want 200", entry["status"])
	}
	if _, ok := entry["reply"]; !ok {
		t.Error("h1 entry has no reply")
	}
}

func TestResult_ReportCodes(t *testing.T) {
	d := twoHostResult().Report(types.ReportCodes)
	codes, ok := d["test"].(map[string]int)
	if !ok {
		t.Fatalf("test = %T, want code map", d["test"])
	}
	if codes[h1.URL()] != 200 || codes[h2.URL()] != 503 {
		t.Errorf("codes = %v", codes)
	}
}

func TestResult_ReportCodesOverview(t *testing.T) {
	d := twoHostResult().Report(types.ReportCodesOverview)
	counts, ok := d["test"].(map[string]int)
	if !ok {
		t.Fatalf("test = %T, want count map", d["test"])
	}
	want := map[string]int{"200": 1, "503": 1}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("counts = %v, want %v", counts, want)
	}
}

func TestResult_ReportOverview(t *testing.T) {
	r := New("test", types.ReportOverview)
	r.AddReplies("test", map[types.Host]Reply{
		h1: {Body: "pong", Status: 200},
		h2: {Body: "pong", Status: 200},
	})
	d := r.Report(types.ReportOverview)
	counts, ok := d["test"].(map[string]int)
	if !ok {
		t.Fatalf("test = %T, want count map", d["test"])
	}
	if counts["pong"] != 2 {
		t.Errorf("counts[pong] = %d, want 2", counts["pong"])
	}
}

func TestResult_Messages(t *testing.T) {
	r := New("test", types.ReportFull)
	r.AddMessage("one")
	if d := r.Report(types.ReportFull); d["message"] != "one" {
		t.Errorf("message = %v, want %q", d["message"], "one")
	}
	r.AddMessage("two")
	d := r.Report(types.ReportFull)
	msgs, ok := d["message"].([]string)
	if !ok || len(msgs) != 2 {
		t.Errorf("message = %v, want list of two", d["message"])
	}
}

func TestResult_ErrorShortCircuits(t *testing.T) {
	r := twoHostResult()
	r.SetError("it broke")
	d := r.Report(types.ReportFull)
	if d["error"] != "it broke" {
		t.Errorf("error = %v, want %q", d["error"], "it broke")
	}
	if d["success"] != false {
		t.Errorf("success = %v, want false", d["success"])
	}
	if _, ok := d["test"]; ok {
		t.Error("report with error should not project replies")
	}
}

func TestResult_FailedChecksOverviewCounts(t *testing.T) {
	r := New("test", types.ReportCodesOverview)
	r.AddReplies("test", map[types.Host]Reply{
		h1: {Body: map[string]any{}, Status: 200},
		h2: {Body: map[string]any{}, Status: 200},
	})
	r.ReportFailure("test", h1, "missing", "rand")
	r.ReportFailure("test", h2, "missing", "rand")
	r.SetSuccess(false)

	d := r.Report(types.ReportCodesOverview)
	failed, ok := d["failed_checks"].(map[string]any)
	if !ok {
		t.Fatalf("failed_checks = %T, want map", d["failed_checks"])
	}
	fwd := failed["test"].(map[string]any)["reply"].(map[string]map[string]int)
	if fwd["missing"]["[rand]"] != 2 {
		t.Errorf("missing[rand] count = %v, want 2", fwd["missing"])
	}
}

func TestResult_FailedChecksFullVerbatim(t *testing.T) {
	r := New("test", types.ReportFull)
	r.AddReplies("test", map[types.Host]Reply{h1: {Body: map[string]any{}, Status: 200}})
	r.ReportFailure("test", h1, "not_identical", "all")

	d := r.Report(types.ReportFull)
	tree, ok := d["failed_checks"].(map[string]map[string]map[string]map[string][]string)
	if !ok {
		t.Fatalf("failed_checks = %T, want verbatim tree", d["failed_checks"])
	}
	got := tree["test"][h1.URL()]["reply"]["not_identical"]
	if len(got) != 1 || got[0] != "all" {
		t.Errorf("not_identical = %v, want [all]", got)
	}
}

func TestResult_Absorb(t *testing.T) {
	r := New("main", types.ReportFull)
	sub := New("fwd", types.ReportFull)
	sub.AddReplies("fwd", map[types.Host]Reply{h1: {Body: "x", Status: 200}})
	sub.SetSuccess(false)
	sub.AddMessage("sub says hi")

	r.Absorb(sub)
	if r.Success() {
		t.Error("Success() = true after absorbing failed result")
	}
	d := r.Report(types.ReportFull)
	if _, ok := d["fwd"]; !ok {
		t.Error("absorbed forward missing from report")
	}
	if d["message"] != "sub says hi" {
		t.Errorf("message = %v, want %q", d["message"], "sub says hi")
	}
}

func TestResult_EmbedInReport(t *testing.T) {
	r := New("main", types.ReportFull)
	sub := New("before-step", types.ReportFull)
	sub.AddReplies("before-step", map[types.Host]Reply{h1: {Body: "ok", Status: 200}})
	r.Embed("before-step", sub)

	d := r.Report(types.ReportFull)
	embedded, ok := d["before-step"].(map[string]any)
	if !ok {
		t.Fatalf("embedded report = %T, want map", d["before-step"])
	}
	if embedded["success"] != true {
		t.Errorf("embedded success = %v, want true", embedded["success"])
	}
}
