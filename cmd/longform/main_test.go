package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/overhuman/longform/internal/config"
	"github.com/overhuman/longform/internal/orchestrator"
	"github.com/overhuman/longform/internal/scheduler"
	"github.com/overhuman/longform/internal/task"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("LONGFORM_DATA", t.TempDir())
	t.Setenv("LONGFORM_DB", "")
	t.Setenv("LONGFORM_ENCRYPTION_KEY", "test-passphrase")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LONGFORM_OWNER", "")
	return config.FromEnv()
}

func newApp(t *testing.T) *app {
	t.Helper()
	a, err := bootstrap(testConfig(t), false)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func runCmd(t *testing.T, a *app, name string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := commands[name](context.Background(), a, args, &out)
	return strings.TrimSpace(out.String()), err
}

func TestBootstrap_NoAPIKey(t *testing.T) {
	cfg := testConfig(t)
	if _, err := bootstrap(cfg, true); !errors.Is(err, errNoLLM) {
		t.Fatalf("err = %v, want errNoLLM", err)
	}
}

func TestBootstrap_RequiresEncryptionKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = ""
	if _, err := bootstrap(cfg, false); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestBootstrap_Offline(t *testing.T) {
	a := newApp(t)
	if _, err := os.Stat(a.cfg.DBPath); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if filepath.Dir(a.cfg.DBPath) != a.cfg.DataDir {
		t.Errorf("DBPath = %q, DataDir = %q", a.cfg.DBPath, a.cfg.DataDir)
	}
}

func TestCreateAndStatus(t *testing.T) {
	a := newApp(t)
	id, err := runCmd(t, a, "create", "send", "the", "weekly", "digest")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("no task id printed")
	}

	out, err := runCmd(t, a, "status", id)
	if err != nil {
		t.Fatal(err)
	}
	var view statusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if view.Task.Orchestrator.MainGoal != "send the weekly digest" {
		t.Errorf("main goal = %q", view.Task.Orchestrator.MainGoal)
	}
	if view.Task.OwnerID != "local" {
		t.Errorf("owner = %q", view.Task.OwnerID)
	}
	if len(view.Jobs) != 1 || view.Jobs[0].Kind != scheduler.KindStart {
		t.Errorf("jobs = %+v", view.Jobs)
	}
}

func TestSwarmCommand(t *testing.T) {
	a := newApp(t)
	items := filepath.Join(t.TempDir(), "items.json")
	if err := os.WriteFile(items, []byte(`[{"sku":"a"},{"sku":"b"},{"sku":"c"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := runCmd(t, a, "swarm", "price check", items, "Find the price.", "internet_search, gmail")
	if err != nil {
		t.Fatal(err)
	}
	sw, err := a.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if sw.Status != task.StatusProcessing {
		t.Errorf("status = %s", sw.Status)
	}
	g := sw.SwarmDetails.Groups[0]
	if len(g.ItemIndices) != 3 || len(g.RequiredTools) != 2 || g.RequiredTools[1] != "gmail" {
		t.Errorf("group = %+v", g)
	}
	jobs, err := a.sched.Jobs(context.Background(), id, scheduler.KindItem)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Errorf("item jobs = %d, want 3", len(jobs))
	}
}

func TestSwarmCommand_BadItems(t *testing.T) {
	a := newApp(t)
	items := filepath.Join(t.TempDir(), "items.json")
	os.WriteFile(items, []byte(`{"not":"an array"}`), 0o644)
	if _, err := runCmd(t, a, "swarm", "goal", items, "prompt"); err == nil {
		t.Fatal("expected error for non-array items")
	}
}

func TestPauseResumeCommands(t *testing.T) {
	a := newApp(t)
	id, err := runCmd(t, a, "create", "watch prices")
	if err != nil {
		t.Fatal(err)
	}
	if out, err := runCmd(t, a, "pause", id); err != nil || out != "paused" {
		t.Fatalf("pause: %q %v", out, err)
	}
	if out, err := runCmd(t, a, "resume", id); err != nil || out != "resumed" {
		t.Fatalf("resume: %q %v", out, err)
	}
	if _, err := runCmd(t, a, "resume", id); !errors.Is(err, orchestrator.ErrInvalidState) {
		t.Fatalf("second resume err = %v, want ErrInvalidState", err)
	}
}

func TestEventCommand(t *testing.T) {
	a := newApp(t)
	id, err := runCmd(t, a, "create", "watch prices")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, a, "event", id, "price_drop", `{"price":`); !errors.Is(err, orchestrator.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if out, err := runCmd(t, a, "event", id, "price_drop", `{"price":9}`); err != nil || out != "delivered" {
		t.Fatalf("event: %q %v", out, err)
	}
	got, _ := a.store.Get(context.Background(), id)
	found := false
	for k := range got.Orchestrator.ContextStore {
		if strings.HasPrefix(k, "event:price_drop:") {
			found = true
		}
	}
	if !found {
		t.Errorf("context store = %v", got.Orchestrator.ContextStore)
	}
}

func TestCommandsRequireArgs(t *testing.T) {
	a := newApp(t)
	for name := range commands {
		if name == "list" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			if _, err := runCmd(t, a, name); !errors.Is(err, errUsage) {
				t.Errorf("err = %v, want usage error", err)
			}
		})
	}
}

func TestAnswerUnknownTask(t *testing.T) {
	a := newApp(t)
	if _, err := runCmd(t, a, "answer", "missing", "-", "yes"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestListCommand(t *testing.T) {
	a := newApp(t)
	first, _ := runCmd(t, a, "create", "first goal")
	second, _ := runCmd(t, a, "create", "second goal")

	out, err := runCmd(t, a, "list")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "TASK") {
		t.Fatalf("list output:\n%s", out)
	}
	if !strings.Contains(out, first) || !strings.Contains(out, second) {
		t.Errorf("missing task ids:\n%s", out)
	}

	if out, _ := runCmd(t, a, "list", "1"); len(strings.Split(out, "\n")) != 2 {
		t.Errorf("limit 1 output:\n%s", out)
	}
	if _, err := runCmd(t, a, "list", "zero"); !errors.Is(err, errUsage) {
		t.Errorf("err = %v, want usage error", err)
	}
}
