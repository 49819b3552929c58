package service

import (
	"sync"

	"botvisor/internal/models"
)

const (
	SourceSupervisor = "supervisor"
	SourceStdout     = "stdout"
	SourceStderr     = "stderr"
)

type LogBuffer struct {
	mu         sync.RWMutex
	entries    []models.LogEntry
	maxEntries int
}

func NewLogBuffer(maxEntries int) *LogBuffer {
	return &LogBuffer{
		entries:    make([]models.LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

func (lb *LogBuffer) Add(entry models.LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.entries = append(lb.entries, entry)
	if len(lb.entries) > lb.maxEntries {
		lb.entries = lb.entries[len(lb.entries)-lb.maxEntries:]
	}
}

func (lb *LogBuffer) GetLast(n int) []models.LogEntry {
	return lb.Filter(n, nil)
}

func (lb *LogBuffer) GetByLevel(level string, n int) []models.LogEntry {
	return lb.Filter(n, func(e models.LogEntry) bool {
		return e.Level == level
	})
}

// Filter returns the last n entries accepted by keep, oldest first. A nil
// keep accepts everything.
func (lb *LogBuffer) Filter(n int, keep func(models.LogEntry) bool) []models.LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n <= 0 || len(lb.entries) == 0 {
		return []models.LogEntry{}
	}

	result := make([]models.LogEntry, 0, min(n, len(lb.entries)))
	for i := len(lb.entries) - 1; i >= 0 && len(result) < n; i-- {
		if keep == nil || keep(lb.entries[i]) {
			result = append(result, lb.entries[i])
		}
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}
