package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"upsrouter/internal/api"
	"upsrouter/internal/config"
	"upsrouter/internal/daemon"
	"upsrouter/internal/notifications"
	"upsrouter/internal/subscriptions"
	"upsrouter/internal/testsupport"
	"upsrouter/internal/ups"
	"upsrouter/internal/workitems"
)

type idleProcessor struct{}

func (idleProcessor) Submit(context.Context, *ups.Workitem) error { return nil }
func (idleProcessor) Shutdown(context.Context) error              { return nil }

type cliTestEnv struct {
	cfg        *config.Config
	server     *httptest.Server
	registry   *subscriptions.Registry
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	cfg := testsupport.NewConfig(t,
		testsupport.WithAPIToken("cli-token"),
		testsupport.WithDICOMwebBase("http://viewer:8042/dicom-web"),
	)
	kv := testsupport.MustOpenStore(t, cfg)
	registry := subscriptions.NewRegistry(kv, nil)
	d, err := daemon.New(cfg, daemon.Dependencies{
		Store:     workitems.NewStore(kv, nil),
		Registry:  registry,
		Notifier:  notifications.NewNotifier(cfg, registry, nil, nil),
		Processor: idleProcessor{},
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(srv.Close)

	fileCfg := *cfg
	fileCfg.Server.Bind = srv.Listener.Addr().String()
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	data, err := toml.Marshal(fileCfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{cfg: cfg, server: srv, registry: registry, configPath: configPath}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "cli-token") {
		t.Fatalf("api token leaked: %s", out)
	}
	requireContains(t, out, redacted)
	requireContains(t, out, "default_base")
}

func TestWorkitemCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"workitem", "create", "--study", "1.2.3", "--series", "1.2.3.4,1.2.3.5"}, env.configPath)
	if err != nil {
		t.Fatalf("workitem create: %v", err)
	}
	requireContains(t, out, "(SCHEDULED)")

	out, _, err = runCLI(t, []string{"workitem", "list", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("workitem list: %v", err)
	}
	var summaries []api.WorkitemSummary
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("decode list output: %v (%s)", err, out)
	}
	if len(summaries) != 1 || summaries[0].SeriesCount != 2 {
		t.Fatalf("unexpected summaries %+v", summaries)
	}
	uid := summaries[0].UID

	out, _, err = runCLI(t, []string{"workitem", "state", uid, "IN_PROGRESS", "--progress", "40", "--info", "manual step"}, env.configPath)
	if err != nil {
		t.Fatalf("workitem state: %v", err)
	}
	requireContains(t, out, "IN_PROGRESS (40%)")

	out, _, err = runCLI(t, []string{"workitem", "show", uid}, env.configPath)
	if err != nil {
		t.Fatalf("workitem show: %v", err)
	}
	requireContains(t, out, "manual step")
	requireContains(t, out, "http://viewer:8042/dicom-web/studies/1.2.3/series/1.2.3.5")

	out, _, err = runCLI(t, []string{"workitem", "list", "--state", "completed"}, env.configPath)
	if err != nil {
		t.Fatalf("workitem list --state: %v", err)
	}
	requireContains(t, out, "No workitems")

	if _, _, err := runCLI(t, []string{"workitem", "state", uid, "SCHEDULED"}, env.configPath); err == nil {
		t.Fatal("expected backwards transition to fail")
	}
}

func TestSubmitSubscribesNode(t *testing.T) {
	env := setupCLITestEnv(t)
	node := testsupport.NewRecorder(t, http.StatusOK)

	out, _, err := runCLI(t, []string{
		"submit",
		"--router", env.server.URL,
		"--subscriber", node.URL,
		"--study", "1.2.3",
		"--series", "4",
	}, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "Updates will be pushed to "+node.URL)

	reqs := node.Requests()
	if len(reqs) != 1 || !strings.HasPrefix(reqs[0].Path, "/ups-rs/workitems/") {
		t.Fatalf("expected an initial snapshot push, got %+v", reqs)
	}
	uid := strings.TrimPrefix(reqs[0].Path, "/ups-rs/workitems/")
	subs, err := env.registry.List(context.Background(), uid)
	if err != nil || len(subs) != 1 {
		t.Fatalf("expected one subscription, got %+v (%v)", subs, err)
	}
}

func TestUnreachableRouter(t *testing.T) {
	env := setupCLITestEnv(t)
	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.Listener.Addr().String()
	closed.Close()

	_, _, err := runCLI(t, []string{"--addr", addr, "health"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "router unreachable") {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

func TestDialAddress(t *testing.T) {
	cases := map[string]string{
		"0.0.0.0:8000":  "127.0.0.1:8000",
		":9000":         "127.0.0.1:9000",
		"10.0.0.5:8000": "10.0.0.5:8000",
		"router.local":  "router.local",
		"[::]:8000":     "127.0.0.1:8000",
	}
	for in, want := range cases {
		if got := dialAddress(in); got != want {
			t.Fatalf("dialAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
