package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"botvisor/internal/config"
	"botvisor/internal/models"
	"botvisor/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func shDescriptor(name, script string) config.ProcessDescriptor {
	return config.ProcessDescriptor{
		Name:        name,
		Script:      script,
		Interpreter: "sh",
	}.WithDefaults()
}

func newManager(t *testing.T, descs ...config.ProcessDescriptor) *ProcessManager {
	t.Helper()
	pm := NewProcessManager(&config.EcosystemConfig{Apps: descs}, WithLogger(quietLogger()))
	t.Cleanup(pm.StopAll)
	return pm
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasLog(pm *ProcessManager, name, source, message string) bool {
	for _, e := range pm.GetLogsByProcess(name, 100) {
		if e.Source == source && e.Message == message {
			return true
		}
	}
	return false
}

func status(pm *ProcessManager, name string) models.Process {
	p, _ := pm.GetProcess(name)
	return p
}

func TestStartStopProcess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "bot.sh", "echo \"env=$NODE_ENV\"\necho oops >&2\nexec sleep 30\n")

	d := shDescriptor("bot", script)
	d.Env = map[string]string{"NODE_ENV": "production"}

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	pm := NewProcessManager(&config.EcosystemConfig{Apps: []config.ProcessDescriptor{d}},
		WithStore(st), WithLogger(quietLogger()))

	if err := pm.StartProcess("bot"); err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if err := pm.StartProcess("bot"); !errors.Is(err, ErrProcessAlreadyRunning) {
		t.Fatalf("second StartProcess = %v", err)
	}

	waitFor(t, 5*time.Second, "child output", func() bool {
		return hasLog(pm, "bot", SourceStdout, "env=production") && hasLog(pm, "bot", SourceStderr, "oops")
	})

	stamp := regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)
	for _, e := range pm.GetLogsBySource(10, SourceStdout, SourceStderr) {
		if !stamp.MatchString(e.Timestamp) {
			t.Errorf("timestamp %q does not follow log_date_format", e.Timestamp)
		}
		if e.Source == SourceStderr && e.Level != "error" {
			t.Errorf("stderr line has level %q", e.Level)
		}
	}

	p := status(pm, "bot")
	if p.Status != StatusRunning || p.Pid <= 0 || p.RunID == "" {
		t.Fatalf("running process = %+v", p)
	}
	if p.Interpreter != "sh" || p.Script != script {
		t.Errorf("process = %+v", p)
	}

	if err := pm.StopProcess("bot"); err != nil {
		t.Fatalf("StopProcess: %v", err)
	}
	p = status(pm, "bot")
	if p.Status != StatusStopped || p.Pid != 0 {
		t.Fatalf("stopped process = %+v", p)
	}
	if err := pm.StopProcess("bot"); !errors.Is(err, ErrProcessNotRunning) {
		t.Fatalf("second StopProcess = %v", err)
	}

	events, err := pm.History(context.Background(), "bot", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []string{models.EventStop, models.EventExit, models.EventStart}
	if !slices.Equal(kinds, want) {
		t.Errorf("history kinds = %v, want %v", kinds, want)
	}
}

func TestStartMissingScript(t *testing.T) {
	pm := newManager(t, shDescriptor("ghost", filepath.Join(t.TempDir(), "missing.py")))

	err := pm.StartProcess("ghost")
	if !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("StartProcess = %v, want ErrScriptNotFound", err)
	}
	if s := status(pm, "ghost").Status; s != StatusErrored {
		t.Errorf("status = %q", s)
	}
}

func TestUnknownProcess(t *testing.T) {
	pm := newManager(t)

	if err := pm.StartProcess("nope"); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("StartProcess = %v", err)
	}
	if err := pm.StopProcess("nope"); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("StopProcess = %v", err)
	}
	if err := pm.RestartProcess("nope"); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("RestartProcess = %v", err)
	}
	if _, err := pm.History(context.Background(), "nope", 1); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("History = %v", err)
	}
	if _, ok := pm.GetDescriptor("nope"); ok {
		t.Error("GetDescriptor found unknown process")
	}
}

func TestAutoRestartUntilMaxRestarts(t *testing.T) {
	script := writeScript(t, t.TempDir(), "crash.sh", "echo tick\nexit 3\n")
	d := shDescriptor("crash", script)
	d.AutoRestart = true
	d.MaxRestarts = 2

	pm := newManager(t, d)
	if err := pm.StartProcess("crash"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 10*time.Second, "max restarts", func() bool {
		return status(pm, "crash").Status == StatusErrored
	})

	p := status(pm, "crash")
	if p.Restarts != 2 {
		t.Errorf("Restarts = %d, want 2", p.Restarts)
	}
	if p.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", p.ExitCode)
	}
	if !hasLog(pm, "crash", SourceSupervisor, "Process crash reached max restarts (2)") {
		t.Error("missing max restarts log")
	}
}

func TestStartAfterMaxRestartsRestartsAgain(t *testing.T) {
	script := writeScript(t, t.TempDir(), "crash.sh", "exit 1\n")
	d := shDescriptor("crash", script)
	d.AutoRestart = true
	d.MaxRestarts = 1

	pm := newManager(t, d)
	if err := pm.StartProcess("crash"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 10*time.Second, "first errored", func() bool {
		p := status(pm, "crash")
		return p.Status == StatusErrored && p.Restarts == 1
	})

	if err := pm.StartProcess("crash"); err != nil {
		t.Fatalf("StartProcess after errored: %v", err)
	}
	waitFor(t, 10*time.Second, "second errored", func() bool {
		p := status(pm, "crash")
		return p.Status == StatusErrored && p.Restarts == 2
	})
}

func TestStableRunsDoNotExhaustMaxRestarts(t *testing.T) {
	script := writeScript(t, t.TempDir(), "flaky.sh", "sleep 0.3\nexit 1\n")
	d := shDescriptor("flaky", script)
	d.AutoRestart = true
	d.MaxRestarts = 1

	pm := newManager(t, d)
	pm.minUptime = 100 * time.Millisecond
	if err := pm.StartProcess("flaky"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 10*time.Second, "several restarts", func() bool {
		return status(pm, "flaky").Restarts >= 3
	})
	if s := status(pm, "flaky").Status; s == StatusErrored {
		t.Errorf("runs past min uptime counted towards max_restarts")
	}
}

func TestLongOutputLine(t *testing.T) {
	script := writeScript(t, t.TempDir(), "chatty.sh",
		"head -c 2000000 /dev/zero | tr '\\0' a\necho\necho after\nexit 0\n")
	pm := newManager(t, shDescriptor("chatty", script))

	if err := pm.StartProcess("chatty"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 10*time.Second, "exit after long line", func() bool {
		return status(pm, "chatty").Status == StatusStopped
	})

	if !hasLog(pm, "chatty", SourceStdout, "after") {
		t.Error("output after the long line was lost")
	}
	total := 0
	for _, e := range pm.GetLogsBySource(100, SourceStdout) {
		if len(e.Message) > maxLogLine {
			t.Fatalf("log entry of %d bytes exceeds %d", len(e.Message), maxLogLine)
		}
		if strings.Trim(e.Message, "a") == "" {
			total += len(e.Message)
		}
	}
	if total != 2000000 {
		t.Errorf("captured %d bytes of the long line, want 2000000", total)
	}
}

func TestNoAutoRestart(t *testing.T) {
	script := writeScript(t, t.TempDir(), "once.sh", "exit 2\n")
	d := shDescriptor("once", script)

	pm := newManager(t, d)
	if err := pm.StartProcess("once"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, "exit", func() bool {
		return status(pm, "once").Status == StatusErrored
	})
	time.Sleep(config.MinRestartDelay + 200*time.Millisecond)

	p := status(pm, "once")
	if p.Status != StatusErrored || p.Restarts != 0 || p.ExitCode != 2 {
		t.Errorf("process = %+v", p)
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	script := writeScript(t, t.TempDir(), "crash.sh", "exit 1\n")
	d := shDescriptor("crash", script)
	d.AutoRestart = true
	d.RestartDelay = 5000

	pm := newManager(t, d)
	if err := pm.StartProcess("crash"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "waiting status", func() bool {
		return status(pm, "crash").Status == StatusWaiting
	})

	if err := pm.StopProcess("crash"); err != nil {
		t.Fatalf("StopProcess: %v", err)
	}
	if s := status(pm, "crash").Status; s != StatusStopped {
		t.Errorf("status = %q", s)
	}
}

func TestMemoryRestart(t *testing.T) {
	script := writeScript(t, t.TempDir(), "hog.sh", "exec sleep 30\n")
	d := shDescriptor("hog", script)
	d.MaxMemoryRestart = "200M"

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	pm := NewProcessManager(&config.EcosystemConfig{Apps: []config.ProcessDescriptor{d}},
		WithStore(st), WithLogger(quietLogger()), WithMemoryCheckInterval(20*time.Millisecond))
	t.Cleanup(pm.StopAll)

	// Only the first run is over the limit.
	var firstPid atomic.Int64
	pm.sampleRSS = func(pid int) (uint64, error) {
		firstPid.CompareAndSwap(0, int64(pid))
		if firstPid.Load() == int64(pid) {
			return 512 << 20, nil
		}
		return 10 << 20, nil
	}

	if err := pm.StartProcess("hog"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, "memory restart", func() bool {
		p := status(pm, "hog")
		return p.Restarts == 1 && p.Status == StatusRunning
	})

	if p := status(pm, "hog"); p.MemoryLimit != "200 MiB" {
		t.Errorf("MemoryLimit = %q", p.MemoryLimit)
	}

	events, err := pm.History(context.Background(), "hog", 10)
	if err != nil {
		t.Fatal(err)
	}
	var reason string
	for _, ev := range events {
		if ev.Kind == models.EventMemoryRestart {
			reason = ev.Reason
		}
	}
	if !strings.Contains(reason, "512 MiB") || !strings.Contains(reason, "200 MiB") {
		t.Errorf("memory restart reason = %q", reason)
	}
}

func TestWatchRestart(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "watched.sh", "exec sleep 30\n")
	d := shDescriptor("watched", script)
	d.Watch = true
	d = d.WithDefaults()

	pm := newManager(t, d)
	pm.watchDebounce = 50 * time.Millisecond

	if err := pm.StartProcess("watched"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "bot.log"), []byte("noise"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if r := status(pm, "watched").Restarts; r != 0 {
		t.Fatalf("ignored file caused %d restarts", r)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "watch restart", func() bool {
		p := status(pm, "watched")
		return p.Restarts == 1 && p.Status == StatusRunning
	})
}

func TestRestartProcess(t *testing.T) {
	script := writeScript(t, t.TempDir(), "bot.sh", "exec sleep 30\n")
	pm := newManager(t, shDescriptor("bot", script))

	if err := pm.StartProcess("bot"); err != nil {
		t.Fatal(err)
	}
	first := status(pm, "bot")

	if err := pm.RestartProcess("bot"); err != nil {
		t.Fatalf("RestartProcess: %v", err)
	}
	second := status(pm, "bot")

	if second.Status != StatusRunning {
		t.Fatalf("status = %q", second.Status)
	}
	if second.RunID == first.RunID || second.Pid == first.Pid {
		t.Errorf("restart reused run: %+v vs %+v", first, second)
	}
	if second.Restarts != 1 {
		t.Errorf("Restarts = %d", second.Restarts)
	}
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "bot.sh", "exec sleep 30\n")
	off := false

	a := shDescriptor("a", script)
	a.AutoStart = &off
	b := shDescriptor("b", script)
	pm := newManager(t, a, b)

	if err := pm.StartProcess("b"); err != nil {
		t.Fatal(err)
	}

	a2 := a.Clone()
	a2.Env = map[string]string{"NODE_ENV": "staging"}
	c := shDescriptor("c", script)

	res, err := pm.Reload(&config.EcosystemConfig{Apps: []config.ProcessDescriptor{a2, c}})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !slices.Equal(res.Added, []string{"c"}) || !slices.Equal(res.Updated, []string{"a"}) || !slices.Equal(res.Removed, []string{"b"}) {
		t.Errorf("Reload result = %+v", res)
	}

	if _, ok := pm.GetProcess("b"); ok {
		t.Error("b still registered")
	}
	if got, _ := pm.GetDescriptor("a"); got.Env["NODE_ENV"] != "staging" {
		t.Errorf("a env = %v", got.Env)
	}
	if s := status(pm, "a").Status; s != StatusStopped {
		t.Errorf("a status = %q", s)
	}
	if s := status(pm, "c").Status; s != StatusRunning {
		t.Errorf("c status = %q", s)
	}

	_, err = pm.Reload(&config.EcosystemConfig{Apps: []config.ProcessDescriptor{c, c}})
	if !errors.Is(err, config.ErrDuplicateName) {
		t.Errorf("duplicate reload = %v", err)
	}
}

func TestGetDescriptorReturnsCopy(t *testing.T) {
	pm := newManager(t, config.BackpackBot("/home/alice"))

	d, ok := pm.GetDescriptor("backpack_bot")
	if !ok {
		t.Fatal("descriptor missing")
	}
	d.Env["NODE_ENV"] = "development"

	again, _ := pm.GetDescriptor("backpack_bot")
	if again.Env["NODE_ENV"] != "production" {
		t.Error("descriptor mutated through a returned copy")
	}
	if again.Script != "/home/alice/.backpack_bot/backpack_bot.py" {
		t.Errorf("Script = %q", again.Script)
	}
}

func TestGetProcessesSorted(t *testing.T) {
	pm := newManager(t, shDescriptor("zeta", "/z.sh"), shDescriptor("alpha", "/a.sh"))

	procs := pm.GetProcesses()
	if len(procs) != 2 || procs[0].Name != "alpha" || procs[1].Name != "zeta" {
		t.Fatalf("GetProcesses = %+v", procs)
	}
	if procs[0].Status != StatusStopped || procs[0].Uptime != "N/A" {
		t.Errorf("stopped process = %+v", procs[0])
	}

	active, total := pm.GetStats()
	if active != 0 || total != 2 {
		t.Errorf("GetStats = %d, %d", active, total)
	}
}

func TestParseSignal(t *testing.T) {
	tests := map[string]string{
		"SIGINT":  "SIGINT",
		"sigkill": "SIGKILL",
		"":        "SIGTERM",
		"bogus":   "SIGTERM",
	}
	for in, want := range tests {
		if got := signalName(parseSignal(in)); got != want {
			t.Errorf("parseSignal(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestIgnored(t *testing.T) {
	patterns := config.DefaultIgnoreWatch
	tests := map[string]bool{
		"/srv/bot/app.log":     true,
		"/srv/bot/.git":        true,
		"/srv/bot/cache.pyc":   true,
		"/srv/bot/bot.py":      false,
		"/srv/bot/config.json": false,
	}
	for path, want := range tests {
		if got := ignored(path, patterns); got != want {
			t.Errorf("ignored(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 15*time.Minute, "2h 15m 0s"},
		{49 * time.Hour, "2d 1h 0m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
