package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func parseSignal(name string) syscall.Signal {
	if sig := unix.SignalNum(strings.ToUpper(name)); sig != 0 {
		return sig
	}
	return unix.SIGTERM
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}

// signalGroup signals the process group led by pid, falling back to the
// process itself when it has no group of its own.
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	return err
}

// readRSS returns the resident set size of pid in bytes.
func readRSS(pid int) (uint64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}

	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid)); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 {
			pages, err := strconv.ParseUint(fields[1], 10, 64)
			if err == nil {
				return pages * uint64(unix.Getpagesize()), nil
			}
		}
	}

	// No procfs (macOS); ps reports RSS in KB.
	output, err := exec.Command("ps", "-o", "rss=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, err
	}
	rssKB, err := strconv.ParseUint(strings.TrimSpace(string(output)), 10, 64)
	if err != nil {
		return 0, err
	}
	return rssKB * 1024, nil
}

func getProcessCPU(pid int) string {
	if pid <= 0 {
		return "N/A"
	}

	cmd := exec.Command("ps", "-o", "%cpu=", "-p", strconv.Itoa(pid))
	output, err := cmd.Output()
	if err != nil {
		return "N/A"
	}

	cpuStr := strings.TrimSpace(string(output))
	cpu, err := strconv.ParseFloat(cpuStr, 64)
	if err != nil {
		return "N/A"
	}

	return fmt.Sprintf("%.1f%%", cpu)
}
