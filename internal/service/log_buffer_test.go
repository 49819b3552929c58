package service

import (
	"fmt"
	"testing"

	"botvisor/internal/models"
)

func TestLogBufferTrims(t *testing.T) {
	lb := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		lb.Add(models.LogEntry{Message: fmt.Sprint(i)})
	}

	got := lb.GetLast(10)
	if len(got) != 3 || got[0].Message != "2" || got[2].Message != "4" {
		t.Fatalf("GetLast = %+v", got)
	}
	if got := lb.GetLast(1); len(got) != 1 || got[0].Message != "4" {
		t.Errorf("GetLast(1) = %+v", got)
	}
	if got := lb.GetLast(0); got == nil || len(got) != 0 {
		t.Errorf("GetLast(0) = %v", got)
	}
}

func TestLogBufferFilter(t *testing.T) {
	lb := NewLogBuffer(10)
	lb.Add(models.LogEntry{Message: "a", Level: "info"})
	lb.Add(models.LogEntry{Message: "b", Level: "error"})
	lb.Add(models.LogEntry{Message: "c", Level: "info"})
	lb.Add(models.LogEntry{Message: "d", Level: "error"})

	got := lb.GetByLevel("error", 5)
	if len(got) != 2 || got[0].Message != "b" || got[1].Message != "d" {
		t.Errorf("GetByLevel = %+v", got)
	}

	got = lb.GetByLevel("info", 1)
	if len(got) != 1 || got[0].Message != "c" {
		t.Errorf("GetByLevel limited = %+v", got)
	}
}

func logLine(worker, source, msg string) models.LogEntry {
	return models.LogEntry{Worker: worker, Source: source, Message: msg, Level: "info"}
}
