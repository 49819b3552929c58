package models

import "time"

// Process represents a supervised process
type Process struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Pid         int    `json:"pid"`
	RunID       string `json:"run_id,omitempty"`
	Uptime      string `json:"uptime"`
	Memory      string `json:"memory"`
	MemoryLimit string `json:"memory_limit,omitempty"`
	CPU         string `json:"cpu"`
	Restarts    int    `json:"restarts"`
	ExitCode    int    `json:"exit_code"`
	Script      string `json:"script"`
	Interpreter string `json:"interpreter"`
	Watch       bool   `json:"watch"`
}

// LogEntry represents a log entry. Worker is empty for supervisor
// messages.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Worker    string `json:"worker,omitempty"`
	Source    string `json:"source,omitempty"`
}

// RunEvent is one lifecycle transition of a supervised process.
type RunEvent struct {
	ID       int64     `json:"id" db:"id"`
	Name     string    `json:"name" db:"name"`
	RunID    string    `json:"run_id" db:"run_id"`
	Kind     string    `json:"kind" db:"kind"`
	Pid      int       `json:"pid" db:"pid"`
	ExitCode int       `json:"exit_code" db:"exit_code"`
	Reason   string    `json:"reason,omitempty" db:"reason"`
	Time     time.Time `json:"time" db:"created_at"`
}

const (
	EventStart         = "start"
	EventExit          = "exit"
	EventRestart       = "restart"
	EventMemoryRestart = "memory_restart"
	EventWatchRestart  = "watch_restart"
	EventStop          = "stop"
)
