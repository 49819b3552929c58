package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"botvisor/internal/config"
	"botvisor/internal/models"
	"botvisor/internal/store"
)

var (
	ErrProcessNotFound       = errors.New("process not found")
	ErrProcessAlreadyRunning = errors.New("process already running")
	ErrProcessNotRunning     = errors.New("process not running")
	ErrScriptNotFound        = errors.New("script not found")
)

const (
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusWaiting  = "waiting"
	StatusErrored  = "errored"
)

type ProcessState struct {
	Desc      config.ProcessDescriptor
	Cmd       *exec.Cmd
	Status    string
	Pid       int
	RunID     string
	StartTime time.Time
	ExitCode  int
	Restarts  int

	// unstable counts consecutive crash restarts of runs that died
	// before minUptime. It is what max_restarts is checked against.
	unstable int

	// wantRunning is cleared by an explicit stop and blocks restarts.
	wantRunning bool
	// forced holds the event kind of a supervisor-initiated restart in
	// flight, so the exit is followed by a relaunch even without
	// autorestart.
	forced string
	done   chan struct{}
}

type ProcessManager struct {
	mu        sync.RWMutex
	processes map[string]*ProcessState
	logs      *LogBuffer
	store     store.Store
	logger    *slog.Logger

	memoryInterval time.Duration
	watchDebounce  time.Duration
	minUptime      time.Duration
	sampleRSS      func(pid int) (uint64, error)
}

type Option func(*ProcessManager)

// WithStore records lifecycle events in s.
func WithStore(s store.Store) Option {
	return func(pm *ProcessManager) { pm.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(pm *ProcessManager) { pm.logger = l }
}

func WithMemoryCheckInterval(d time.Duration) Option {
	return func(pm *ProcessManager) {
		if d > 0 {
			pm.memoryInterval = d
		}
	}
}

func NewProcessManager(cfg *config.EcosystemConfig, opts ...Option) *ProcessManager {
	pm := &ProcessManager{
		processes:      make(map[string]*ProcessState),
		logs:           NewLogBuffer(1000),
		logger:         slog.Default(),
		memoryInterval: 5 * time.Second,
		watchDebounce:  time.Second,
		minUptime:      time.Second,
		sampleRSS:      readRSS,
	}
	for _, opt := range opts {
		opt(pm)
	}

	for _, d := range cfg.Apps {
		pm.processes[d.Name] = &ProcessState{
			Desc:   d.Clone(),
			Status: StatusStopped,
		}
	}

	return pm
}

func (pm *ProcessManager) log(level, message string, processName string) {
	entry := models.LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Worker:    processName,
		Source:    SourceSupervisor,
	}
	pm.logs.Add(entry)

	slvl := slog.LevelInfo
	switch level {
	case "warning":
		slvl = slog.LevelWarn
	case "error":
		slvl = slog.LevelError
	}
	pm.logger.Log(context.Background(), slvl, message, "process", processName)
}

func (pm *ProcessManager) record(ev models.RunEvent) {
	if pm.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pm.store.Record(ctx, ev); err != nil {
		pm.logger.Error("record run event", "process", ev.Name, "kind", ev.Kind, "err", err)
	}
}

func (pm *ProcessManager) StartProcess(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	state, ok := pm.processes[name]
	if !ok {
		return ErrProcessNotFound
	}

	if state.Status == StatusRunning || state.Status == StatusStopping {
		return ErrProcessAlreadyRunning
	}

	state.wantRunning = true
	state.unstable = 0
	return pm.startLocked(name, state, models.EventStart)
}

// startLocked launches a new run of state. pm.mu must be held.
func (pm *ProcessManager) startLocked(name string, state *ProcessState, kind string) error {
	d := state.Desc

	if fi, err := os.Stat(d.Script); err != nil || fi.IsDir() {
		state.Status = StatusErrored
		state.wantRunning = false
		pm.log("error", fmt.Sprintf("Script for %s not found: %s", name, d.Script), name)
		return fmt.Errorf("%w: %s", ErrScriptNotFound, d.Script)
	}

	df, err := d.DateFormat()
	if err != nil {
		df, _ = config.ParseDateFormat(config.DefaultLogDateFormat)
	}

	prog, args := d.Command()
	cmd := exec.Command(prog, args...)
	cmd.Dir = d.WorkingDir()
	cmd.Env = append(os.Environ(), d.Environ()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		pm.log("error", fmt.Sprintf("Failed to create stdout pipe for %s: %v", name, err), name)
		return err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		pm.log("error", fmt.Sprintf("Failed to create stderr pipe for %s: %v", name, err), name)
		return err
	}

	if err := cmd.Start(); err != nil {
		state.Status = StatusErrored
		state.wantRunning = false
		pm.log("error", fmt.Sprintf("Failed to start process %s: %v", name, err), name)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	state.Cmd = cmd
	state.Status = StatusRunning
	state.Pid = cmd.Process.Pid
	state.RunID = uuid.NewString()
	state.StartTime = time.Now()
	state.ExitCode = 0
	state.forced = ""
	state.done = done

	pm.log("info", fmt.Sprintf("Process %s started with PID %d", name, state.Pid), name)
	pm.record(models.RunEvent{Name: name, RunID: state.RunID, Kind: kind, Pid: state.Pid})

	var readers sync.WaitGroup
	readers.Add(2)
	go pm.pipeLogs(&readers, name, SourceStdout, "info", stdout, df)
	go pm.pipeLogs(&readers, name, SourceStderr, "error", stderr, df)

	go pm.monitorProcess(name, state, cmd, &readers, cancel)

	if limit, _ := d.MemoryLimit(); limit > 0 {
		go pm.watchMemory(ctx, name, state.RunID, state.Pid, limit)
	}
	if d.Watch {
		go pm.watchFiles(ctx, name, state.RunID, d)
	}

	return nil
}

// maxLogLine caps a single log entry. Longer lines are split.
const maxLogLine = 64 * 1024

func (pm *ProcessManager) pipeLogs(wg *sync.WaitGroup, name, source, level string, r io.Reader, df config.DateFormat) {
	defer wg.Done()

	br := bufio.NewReaderSize(r, maxLogLine)
	for {
		line, _, err := br.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				pm.logger.Warn("read child output", "process", name, "source", source, "err", err)
				// Keep the pipe drained so the child never blocks on write.
				io.Copy(io.Discard, r)
			}
			return
		}
		pm.logs.Add(models.LogEntry{
			Timestamp: df.Format(time.Now()),
			Message:   string(line),
			Level:     level,
			Worker:    name,
			Source:    source,
		})
	}
}

func (pm *ProcessManager) monitorProcess(name string, state *ProcessState, cmd *exec.Cmd, readers *sync.WaitGroup, cancel context.CancelFunc) {
	// Pipes must be drained before Wait closes them.
	readers.Wait()
	err := cmd.Wait()
	cancel()

	pm.mu.Lock()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	runID := state.RunID
	pid := state.Pid
	done := state.done
	d := state.Desc
	forced := state.forced

	if time.Since(state.StartTime) >= pm.minUptime {
		state.unstable = 0
	}

	state.Cmd = nil
	state.Pid = 0
	state.ExitCode = exitCode
	state.forced = ""

	restart := state.wantRunning && (d.AutoRestart || forced != "")
	if restart && forced == "" && d.MaxRestarts > 0 && state.unstable >= d.MaxRestarts {
		restart = false
		state.wantRunning = false
		state.Status = StatusErrored
		pm.log("error", fmt.Sprintf("Process %s reached max restarts (%d)", name, d.MaxRestarts), name)
	} else if restart {
		state.Status = StatusWaiting
	} else if state.wantRunning && exitCode != 0 {
		state.wantRunning = false
		state.Status = StatusErrored
	} else {
		state.wantRunning = false
		state.Status = StatusStopped
	}

	if err != nil {
		pm.log("warning", fmt.Sprintf("Process %s exited with error: %v", name, err), name)
	} else {
		pm.log("info", fmt.Sprintf("Process %s exited normally", name), name)
	}
	pm.record(models.RunEvent{Name: name, RunID: runID, Kind: models.EventExit, Pid: pid, ExitCode: exitCode})

	pm.mu.Unlock()
	close(done)

	if !restart {
		return
	}

	delay := d.RestartDelayDuration()
	if forced != "" {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		pm.autoRestart(name, runID, forced != "")
	})
}

func (pm *ProcessManager) autoRestart(name, prevRunID string, forced bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	state, ok := pm.processes[name]
	if !ok || state.RunID != prevRunID || state.Status != StatusWaiting || !state.wantRunning {
		return
	}

	state.Restarts++
	if !forced {
		state.unstable++
	}
	pm.log("info", fmt.Sprintf("Auto-restarting process %s", name), name)
	if err := pm.startLocked(name, state, models.EventRestart); err != nil {
		pm.log("error", fmt.Sprintf("Failed to auto-restart %s: %v", name, err), name)
	}
}

func (pm *ProcessManager) watchMemory(ctx context.Context, name, runID string, pid int, limit uint64) {
	ticker := time.NewTicker(pm.memoryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rss, err := pm.sampleRSS(pid)
			if err != nil || rss <= limit {
				continue
			}
			reason := fmt.Sprintf("memory %s exceeds limit %s", humanize.IBytes(rss), humanize.IBytes(limit))
			pm.forceRestart(name, runID, models.EventMemoryRestart, reason)
			return
		}
	}
}

// forceRestart stops the given run and relaunches it once it has exited,
// regardless of autorestart. Stale run IDs are ignored.
func (pm *ProcessManager) forceRestart(name, runID, kind, reason string) {
	pm.mu.Lock()
	state, ok := pm.processes[name]
	if !ok || state.RunID != runID || state.Status != StatusRunning || state.forced != "" {
		pm.mu.Unlock()
		return
	}
	state.forced = kind
	pid, done := state.Pid, state.done
	sig := parseSignal(state.Desc.StopSignal)
	timeout := state.Desc.KillTimeoutDuration()
	pm.mu.Unlock()

	pm.log("warning", fmt.Sprintf("Restarting process %s: %s", name, reason), name)
	pm.record(models.RunEvent{Name: name, RunID: runID, Kind: kind, Pid: pid, Reason: reason})

	pm.terminate(name, pid, sig, timeout, done)
}

// terminate signals the process group and escalates to SIGKILL after
// timeout. It returns once the run has been reaped.
func (pm *ProcessManager) terminate(name string, pid int, sig syscall.Signal, timeout time.Duration, done <-chan struct{}) {
	if err := signalGroup(pid, sig); err != nil {
		pm.log("error", fmt.Sprintf("Failed to send signal to %s: %v", name, err), name)
	}

	select {
	case <-done:
		return
	case <-time.After(timeout):
		pm.log("warning", fmt.Sprintf("Process %s did not stop in time, killing", name), name)
		signalGroup(pid, syscall.SIGKILL)
	}
	<-done
}

func (pm *ProcessManager) StopProcess(name string) error {
	pm.mu.Lock()

	state, ok := pm.processes[name]
	if !ok {
		pm.mu.Unlock()
		return ErrProcessNotFound
	}

	if state.Status == StatusWaiting {
		state.wantRunning = false
		state.Status = StatusStopped
		runID := state.RunID
		pm.mu.Unlock()
		pm.log("info", fmt.Sprintf("Cancelled pending restart of %s", name), name)
		pm.record(models.RunEvent{Name: name, RunID: runID, Kind: models.EventStop})
		return nil
	}

	if state.Status != StatusRunning || state.Cmd == nil {
		pm.mu.Unlock()
		return ErrProcessNotRunning
	}

	state.wantRunning = false
	state.Status = StatusStopping
	pid, done, runID := state.Pid, state.done, state.RunID
	sig := parseSignal(state.Desc.StopSignal)
	timeout := state.Desc.KillTimeoutDuration()
	pm.mu.Unlock()

	pm.log("info", fmt.Sprintf("Sending %s to process %s (PID %d)", signalName(sig), name, pid), name)
	pm.terminate(name, pid, sig, timeout, done)
	pm.log("info", fmt.Sprintf("Process %s stopped", name), name)
	pm.record(models.RunEvent{Name: name, RunID: runID, Kind: models.EventStop, Pid: pid})

	return nil
}

func (pm *ProcessManager) RestartProcess(name string) error {
	pm.mu.RLock()
	state, ok := pm.processes[name]
	isActive := ok && (state.Status == StatusRunning || state.Status == StatusStopping || state.Status == StatusWaiting)
	pm.mu.RUnlock()

	if !ok {
		return ErrProcessNotFound
	}

	if isActive {
		if err := pm.StopProcess(name); err != nil && !errors.Is(err, ErrProcessNotRunning) {
			return err
		}
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	state, ok = pm.processes[name]
	if !ok {
		return ErrProcessNotFound
	}
	if state.Status == StatusRunning || state.Status == StatusStopping {
		return ErrProcessAlreadyRunning
	}

	state.wantRunning = true
	state.Restarts++
	state.unstable = 0
	return pm.startLocked(name, state, models.EventRestart)
}

func (pm *ProcessManager) snapshot(name string, state *ProcessState) models.Process {
	uptime := "N/A"
	if state.Status == StatusRunning && !state.StartTime.IsZero() {
		uptime = formatDuration(time.Since(state.StartTime))
	}

	memory := "N/A"
	cpu := "N/A"
	if state.Status == StatusRunning && state.Pid > 0 {
		if rss, err := pm.sampleRSS(state.Pid); err == nil {
			memory = humanize.IBytes(rss)
		}
		cpu = getProcessCPU(state.Pid)
	}

	memoryLimit := ""
	if limit, err := state.Desc.MemoryLimit(); err == nil && limit > 0 {
		memoryLimit = humanize.IBytes(limit)
	}

	return models.Process{
		Name:        name,
		Status:      state.Status,
		Pid:         state.Pid,
		RunID:       state.RunID,
		Uptime:      uptime,
		Memory:      memory,
		MemoryLimit: memoryLimit,
		CPU:         cpu,
		Restarts:    state.Restarts,
		ExitCode:    state.ExitCode,
		Script:      state.Desc.Script,
		Interpreter: state.Desc.Interpreter,
		Watch:       state.Desc.Watch,
	}
}

func (pm *ProcessManager) GetProcesses() []models.Process {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	result := make([]models.Process, 0, len(pm.processes))
	for _, name := range pm.namesLocked() {
		result = append(result, pm.snapshot(name, pm.processes[name]))
	}

	return result
}

func (pm *ProcessManager) GetProcess(name string) (models.Process, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	state, ok := pm.processes[name]
	if !ok {
		return models.Process{}, false
	}

	return pm.snapshot(name, state), true
}

// GetDescriptor returns a copy of the descriptor registered under name.
func (pm *ProcessManager) GetDescriptor(name string) (config.ProcessDescriptor, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	state, ok := pm.processes[name]
	if !ok {
		return config.ProcessDescriptor{}, false
	}
	return state.Desc.Clone(), true
}

func (pm *ProcessManager) GetDescriptors() []config.ProcessDescriptor {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	result := make([]config.ProcessDescriptor, 0, len(pm.processes))
	for _, name := range pm.namesLocked() {
		result = append(result, pm.processes[name].Desc.Clone())
	}
	return result
}

func (pm *ProcessManager) GetLogs(limit int) []models.LogEntry {
	return pm.logs.GetLast(limit)
}

func (pm *ProcessManager) GetLogsByLevel(level string, limit int) []models.LogEntry {
	return pm.logs.GetByLevel(level, limit)
}

func (pm *ProcessManager) GetLogsByProcess(processName string, limit int) []models.LogEntry {
	return pm.logs.Filter(limit, func(e models.LogEntry) bool {
		return e.Worker == processName
	})
}

func (pm *ProcessManager) GetLogsBySource(limit int, sources ...string) []models.LogEntry {
	return pm.logs.Filter(limit, func(e models.LogEntry) bool {
		return slices.Contains(sources, e.Source)
	})
}

// History returns the newest lifecycle events of name. It is empty when
// no store is configured.
func (pm *ProcessManager) History(ctx context.Context, name string, limit int) ([]models.RunEvent, error) {
	pm.mu.RLock()
	_, ok := pm.processes[name]
	pm.mu.RUnlock()

	if !ok {
		return nil, ErrProcessNotFound
	}
	if pm.store == nil {
		return []models.RunEvent{}, nil
	}
	return pm.store.History(ctx, name, limit)
}

func (pm *ProcessManager) StartAll() {
	pm.mu.RLock()
	var toStart []string
	for _, name := range pm.namesLocked() {
		if pm.processes[name].Desc.StartsAutomatically() {
			toStart = append(toStart, name)
		}
	}
	pm.mu.RUnlock()

	for _, name := range toStart {
		pm.log("info", fmt.Sprintf("Auto-starting process %s", name), name)
		if err := pm.StartProcess(name); err != nil {
			pm.log("error", fmt.Sprintf("Failed to auto-start %s: %v", name, err), name)
		}
	}
}

func (pm *ProcessManager) StopAll() {
	pm.mu.RLock()
	var toStop []string
	for _, name := range pm.namesLocked() {
		switch pm.processes[name].Status {
		case StatusRunning, StatusWaiting:
			toStop = append(toStop, name)
		}
	}
	pm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range toStop {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			pm.log("info", fmt.Sprintf("Stopping process %s", name), name)
			if err := pm.StopProcess(name); err != nil && !errors.Is(err, ErrProcessNotRunning) {
				pm.log("error", fmt.Sprintf("Failed to stop %s: %v", name, err), name)
			}
		}()
	}
	wg.Wait()
}

type ReloadResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// Reload swaps in a new set of descriptors. Running processes keep their
// current run; updated descriptors apply from their next start. Processes
// missing from cfg are stopped and dropped, new ones with autostart are
// started.
func (pm *ProcessManager) Reload(cfg *config.EcosystemConfig) (ReloadResult, error) {
	if err := config.Validate(cfg.Apps); err != nil {
		return ReloadResult{}, err
	}

	res := ReloadResult{Added: []string{}, Updated: []string{}, Removed: []string{}}
	incoming := make(map[string]struct{}, len(cfg.Apps))

	pm.mu.Lock()
	for _, d := range cfg.Apps {
		incoming[d.Name] = struct{}{}
		if state, ok := pm.processes[d.Name]; ok {
			state.Desc = d.Clone()
			res.Updated = append(res.Updated, d.Name)
			continue
		}
		pm.processes[d.Name] = &ProcessState{Desc: d.Clone(), Status: StatusStopped}
		res.Added = append(res.Added, d.Name)
	}
	for _, name := range pm.namesLocked() {
		if _, ok := incoming[name]; !ok {
			res.Removed = append(res.Removed, name)
		}
	}
	pm.mu.Unlock()

	for _, name := range res.Removed {
		if err := pm.StopProcess(name); err != nil && !errors.Is(err, ErrProcessNotRunning) {
			pm.log("error", fmt.Sprintf("Failed to stop removed process %s: %v", name, err), name)
		}
		pm.mu.Lock()
		delete(pm.processes, name)
		pm.mu.Unlock()
		pm.log("info", fmt.Sprintf("Removed process %s", name), name)
	}

	for _, d := range cfg.Apps {
		if !slices.Contains(res.Added, d.Name) || !d.StartsAutomatically() {
			continue
		}
		if err := pm.StartProcess(d.Name); err != nil {
			pm.log("error", fmt.Sprintf("Failed to start %s after reload: %v", d.Name, err), d.Name)
		}
	}

	pm.log("info", fmt.Sprintf("Reloaded configuration: %d added, %d updated, %d removed",
		len(res.Added), len(res.Updated), len(res.Removed)), "")

	return res, nil
}

// GetStats reports how many processes are running out of the total.
func (pm *ProcessManager) GetStats() (activeProcesses, totalProcesses int) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, state := range pm.processes {
		if state.Status == StatusRunning {
			activeProcesses++
		}
	}
	return activeProcesses, len(pm.processes)
}

func (pm *ProcessManager) namesLocked() []string {
	names := make([]string, 0, len(pm.processes))
	for name := range pm.processes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour

	hours := d / time.Hour
	d -= hours * time.Hour

	minutes := d / time.Minute
	d -= minutes * time.Minute

	seconds := d / time.Second

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
