package service

import (
	"context"
	"errors"

	"botvisor/internal/config"
	"botvisor/internal/models"
)

var ErrNoConfigFile = errors.New("no ecosystem file configured")

// ProcessService is what the HTTP layer talks to. It sits on top of the
// ProcessManager and knows where the ecosystem file lives.
type ProcessService struct {
	pm         *ProcessManager
	configPath string
	expander   config.Expander
}

func NewProcessService(pm *ProcessManager, configPath string, x config.Expander) *ProcessService {
	return &ProcessService{
		pm:         pm,
		configPath: configPath,
		expander:   x,
	}
}

func (ps *ProcessService) GetProcesses() []models.Process {
	return ps.pm.GetProcesses()
}

func (ps *ProcessService) FindProcess(name string) (models.Process, bool) {
	return ps.pm.GetProcess(name)
}

func (ps *ProcessService) GetDescriptor(name string) (config.ProcessDescriptor, bool) {
	return ps.pm.GetDescriptor(name)
}

func (ps *ProcessService) GetDescriptors() []config.ProcessDescriptor {
	return ps.pm.GetDescriptors()
}

func (ps *ProcessService) StartProcess(name string) error {
	return ps.pm.StartProcess(name)
}

func (ps *ProcessService) StopProcess(name string) error {
	return ps.pm.StopProcess(name)
}

func (ps *ProcessService) RestartProcess(name string) error {
	return ps.pm.RestartProcess(name)
}

func (ps *ProcessService) History(ctx context.Context, name string, limit int) ([]models.RunEvent, error) {
	return ps.pm.History(ctx, name, limit)
}

// Reload re-reads the ecosystem file and applies it.
func (ps *ProcessService) Reload() (ReloadResult, error) {
	if ps.configPath == "" {
		return ReloadResult{}, ErrNoConfigFile
	}
	cfg, err := config.LoadEcosystem(ps.configPath, ps.expander)
	if err != nil {
		return ReloadResult{}, err
	}
	return ps.pm.Reload(cfg)
}

func (ps *ProcessService) GetLogs(limit int) []models.LogEntry {
	return ps.pm.GetLogs(limit)
}

func (ps *ProcessService) GetLogsByLevel(level string, limit int) []models.LogEntry {
	return ps.pm.GetLogsByLevel(level, limit)
}

// GetWorkerLogs returns output captured from child processes.
func (ps *ProcessService) GetWorkerLogs(limit int) []models.LogEntry {
	return ps.pm.GetLogsBySource(limit, SourceStdout, SourceStderr)
}

// GetSystemLogs returns the supervisor's own messages.
func (ps *ProcessService) GetSystemLogs(limit int) []models.LogEntry {
	return ps.pm.GetLogsBySource(limit, SourceSupervisor)
}

func (ps *ProcessService) GetWorkerSpecificLogs(workerName string, limit int) []models.LogEntry {
	return ps.pm.GetLogsByProcess(workerName, limit)
}

func (ps *ProcessService) GetStats() (activeProcesses, totalProcesses int) {
	return ps.pm.GetStats()
}
