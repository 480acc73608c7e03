package endpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/coco/state"
	"github.com/pithecene-io/coco/types"
)

func newDeps(t *testing.T) Deps {
	t.Helper()
	st, err := state.New(t.TempDir(), nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("state.New() error = %v", err)
	}
	return Deps{State: st, Logger: zap.NewNop()}
}

func loadConfs(t *testing.T, deps Deps, confs map[string]string) (*Registry, error) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range confs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return LoadDir(dir, deps)
}

func TestLoadDir_Basic(t *testing.T) {
	reg, err := loadConfs(t, newDeps(t), map[string]string{
		"set-mode.conf": `
type: POST
group: receivers
values:
  mode: str
  count: int
timeout: 30
call:
  forward:
    - set-mode
`,
	})
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	ep, ok := reg.Get("set-mode")
	if !ok {
		t.Fatal("Get(set-mode) = false, want endpoint")
	}
	if ep.Method != "POST" {
		t.Errorf("Method = %q, want POST", ep.Method)
	}
	if ep.Group != "receivers" {
		t.Errorf("Group = %q, want receivers", ep.Group)
	}
	if ep.Values["mode"] != types.KindStr || ep.Values["count"] != types.KindInt {
		t.Errorf("Values = %v", ep.Values)
	}
	if ep.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", ep.Timeout)
	}
	if len(ep.CallForward) != 1 || ep.CallForward[0].Name != "set-mode" {
		t.Errorf("CallForward = %v", ep.CallForward)
	}
}

func TestLoadDir_Defaults(t *testing.T) {
	reg, err := loadConfs(t, newDeps(t), map[string]string{
		"status.conf": "group: receivers\n",
	})
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	ep, _ := reg.Get("status")
	if ep.Method != "GET" {
		t.Errorf("Method = %q, want GET", ep.Method)
	}
	if ep.ReportType != types.DefaultReportType {
		t.Errorf("ReportType = %q, want default", ep.ReportType)
	}
	// A group without a call block forwards under the endpoint's own name.
	if len(ep.CallForward) != 1 || ep.CallForward[0].Name != "status" {
		t.Errorf("CallForward = %v, want implicit self-forward", ep.CallForward)
	}
	if ep.CallForward[0].Kind != ForwardExternal {
		t.Errorf("Kind = %v, want ForwardExternal", ep.CallForward[0].Kind)
	}
}

func TestLoadDir_SkipsUnderscoreFiles(t *testing.T) {
	reg, err := loadConfs(t, newDeps(t), map[string]string{
		"status.conf":  "group: receivers\n",
		"_shared.conf": "this is not valid yaml: [\n",
		"notes.txt":    "ignored\n",
	})
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "status" {
		t.Errorf("Names() = %v, want [status]", got)
	}
}

func TestLoadDir_UnknownReference(t *testing.T) {
	_, err := loadConfs(t, newDeps(t), map[string]string{
		"restart.conf": "before: warm-up\n",
	})
	if err == nil {
		t.Fatal("LoadDir() error = nil, want unknown-endpoint error")
	}
}

func TestLoadDir_BuiltinReferenceAllowed(t *testing.T) {
	_, err := loadConfs(t, newDeps(t), map[string]string{
		"restart.conf": `
before:
  - wait:
      request:
        duration: 5
`,
	})
	if err != nil {
		t.Fatalf("LoadDir() error = %v, want built-in reference accepted", err)
	}
}

func TestLoadDir_ScheduledWithValues(t *testing.T) {
	_, err := loadConfs(t, newDeps(t), map[string]string{
		"poll.conf": `
group: receivers
values:
  mode: str
schedule:
  period: 10m
`,
	})
	if err == nil {
		t.Fatal("LoadDir() error = nil, want schedule/values conflict")
	}
}

func TestLoadDir_ForwardWithoutGroup(t *testing.T) {
	_, err := loadConfs(t, newDeps(t), map[string]string{
		"orphan.conf": `
call:
  forward:
    - orphan
`,
	})
	if err == nil {
		t.Fatal("LoadDir() error = nil, want missing-group error")
	}
}

func TestLoadDir_Schedule(t *testing.T) {
	deps := newDeps(t)
	if err := deps.State.Write("run/enabled", true, ""); err != nil {
		t.Fatal(err)
	}
	reg, err := loadConfs(t, deps, map[string]string{
		"poll.conf": `
group: receivers
schedule:
  period: 1h30m
  require_state:
    - path: run/enabled
      type: bool
      value: true
`,
	})
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	ep, _ := reg.Get("poll")
	if !ep.Scheduled() {
		t.Fatal("Scheduled() = false, want true")
	}
	if ep.Schedule.Period != 90*time.Minute {
		t.Errorf("Period = %v, want 1h30m", ep.Schedule.Period)
	}
	if len(ep.Schedule.Conditions) != 1 {
		t.Errorf("Conditions = %v, want one", ep.Schedule.Conditions)
	}
	if got := reg.Scheduled(); len(got) != 1 || got[0].Name != "poll" {
		t.Errorf("Registry.Scheduled() = %v, want [poll]", got)
	}
}

func TestLoadDir_ScheduleMissingPeriod(t *testing.T) {
	_, err := loadConfs(t, newDeps(t), map[string]string{
		"poll.conf": "group: receivers\nschedule: {}\n",
	})
	if err == nil {
		t.Fatal("LoadDir() error = nil, want missing-period error")
	}
}

func TestLoadDir_ForwardOptions(t *testing.T) {
	deps := newDeps(t)
	reg, err := loadConfs(t, deps, map[string]string{
		"restart.conf": "type: POST\ngroup: receivers\n",
		"deploy.conf": `
type: POST
group: receivers
call:
  forward:
    - deploy:
        timeout: 60
        request:
          force: true
        save_reply_to_state: deploy/last
        reply:
          value:
            ok: true
        on_failure:
          call: restart
`,
	})
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	ep, _ := reg.Get("deploy")
	if len(ep.CallForward) != 1 {
		t.Fatalf("CallForward = %v, want one", ep.CallForward)
	}
	fwd := ep.CallForward[0]
	if fwd.Timeout != time.Minute {
		t.Errorf("Timeout = %v, want 1m", fwd.Timeout)
	}
	if fwd.Request["force"] != true {
		t.Errorf("Request = %v, want force=true", fwd.Request)
	}
	if len(fwd.Checks) != 1 {
		t.Errorf("Checks = %d, want 1", len(fwd.Checks))
	}
}

func TestLoadDir_UnknownOnFailureTarget(t *testing.T) {
	_, err := loadConfs(t, newDeps(t), map[string]string{
		"deploy.conf": `
type: POST
group: receivers
call:
  forward:
    - deploy:
        reply:
          value:
            ok: true
        on_failure:
          call: restart
`,
	})
	if err == nil {
		t.Fatal("LoadDir() error = nil, want unknown on_failure target error")
	}
}

func TestLoadDir_UnknownOnFailureSingleHostTarget(t *testing.T) {
	_, err := loadConfs(t, newDeps(t), map[string]string{
		"deploy.conf": `
type: POST
group: receivers
call:
  forward:
    - deploy:
        reply:
          value:
            ok: true
        on_failure:
          call_single_host: restart-one
`,
	})
	if err == nil {
		t.Fatal("LoadDir() error = nil, want unknown on_failure target error")
	}
}

func TestLoadDir_CallOnStart(t *testing.T) {
	reg, err := loadConfs(t, newDeps(t), map[string]string{
		"warm-up.conf": "group: receivers\ncall_on_start: true\n",
		"status.conf":  "group: receivers\n",
	})
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if got := reg.CallOnStart(); len(got) != 1 || got[0] != "warm-up" {
		t.Errorf("CallOnStart() = %v, want [warm-up]", got)
	}
}

func TestLoadDir_UnknownMethod(t *testing.T) {
	_, err := loadConfs(t, newDeps(t), map[string]string{
		"bad.conf": "type: PUT\ngroup: receivers\n",
	})
	if err == nil {
		t.Fatal("LoadDir() error = nil, want unknown-method error")
	}
}
