package service

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"botvisor/internal/config"
)

func TestProcessServiceLogs(t *testing.T) {
	pm := newManager(t)
	svc := NewProcessService(pm, "", config.Expander{})

	pm.log("info", "supervisor started", "")
	pm.logs.Add(logLine("bot", SourceStdout, "hello"))
	pm.logs.Add(logLine("bot", SourceStderr, "boom"))

	if got := svc.GetSystemLogs(10); len(got) != 1 || got[0].Message != "supervisor started" {
		t.Errorf("GetSystemLogs = %+v", got)
	}
	if got := svc.GetWorkerLogs(10); len(got) != 2 {
		t.Errorf("GetWorkerLogs = %+v", got)
	}
	if got := svc.GetWorkerSpecificLogs("bot", 1); len(got) != 1 || got[0].Message != "boom" {
		t.Errorf("GetWorkerSpecificLogs = %+v", got)
	}
	if got := svc.GetLogs(10); len(got) != 3 {
		t.Errorf("GetLogs = %+v", got)
	}
}

func TestProcessServiceReload(t *testing.T) {
	if _, err := NewProcessService(newManager(t), "", config.Expander{}).Reload(); !errors.Is(err, ErrNoConfigFile) {
		t.Fatalf("Reload without file = %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "ecosystem.yaml")
	body := "apps:\n  - name: backpack_bot\n    script: ${HOME}/.backpack_bot/backpack_bot.py\n    autostart: false\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := NewProcessService(newManager(t), path, config.Expander{Home: "/home/alice"})
	res, err := svc.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(res.Added) != 1 || res.Added[0] != "backpack_bot" {
		t.Fatalf("Reload result = %+v", res)
	}

	d, ok := svc.GetDescriptor("backpack_bot")
	if !ok {
		t.Fatal("descriptor missing")
	}
	if d.Script != "/home/alice/.backpack_bot/backpack_bot.py" || d.Interpreter != "python3" {
		t.Errorf("descriptor = %+v", d)
	}
	if _, total := svc.GetStats(); total != 1 {
		t.Errorf("total = %d", total)
	}
}
