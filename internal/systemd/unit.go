// Package systemd renders process descriptors as systemd service units,
// for hosts that let systemd do the supervising.
package systemd

import (
	"fmt"
	"io"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"

	"botvisor/internal/config"
)

// Options builds the unit options for d. Watch mode has no systemd
// equivalent and is not exported.
func Options(d config.ProcessDescriptor) ([]*unit.UnitOption, error) {
	limit, err := d.MemoryLimit()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}

	prog, args := d.Command()
	execStart := make([]string, 0, len(args)+1)
	for _, a := range append([]string{prog}, args...) {
		execStart = append(execStart, quote(escapeExec(a)))
	}

	restart := "no"
	if d.AutoRestart {
		restart = "always"
	}

	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "botvisor: "+escapeSpecifiers(d.Name)),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "ExecStart", strings.Join(execStart, " ")),
		unit.NewUnitOption("Service", "WorkingDirectory", escapeSpecifiers(d.WorkingDir())),
		unit.NewUnitOption("Service", "Restart", restart),
		unit.NewUnitOption("Service", "RestartSec", fmt.Sprintf("%dms", d.RestartDelayDuration().Milliseconds())),
		unit.NewUnitOption("Service", "KillSignal", d.StopSignal),
		unit.NewUnitOption("Service", "TimeoutStopSec", fmt.Sprintf("%dms", d.KillTimeoutDuration().Milliseconds())),
	}
	for _, kv := range d.Environ() {
		opts = append(opts, unit.NewUnitOption("Service", "Environment", quote(escapeSpecifiers(kv))))
	}
	if limit > 0 {
		opts = append(opts, unit.NewUnitOption("Service", "MemoryMax", fmt.Sprint(limit)))
	}
	opts = append(opts, unit.NewUnitOption("Install", "WantedBy", "default.target"))

	return opts, nil
}

// Unit serializes d as a .service unit file.
func Unit(d config.ProcessDescriptor) (io.Reader, error) {
	opts, err := Options(d)
	if err != nil {
		return nil, err
	}
	return unit.Serialize(opts), nil
}

// UnitName is the file name the unit should be installed under.
func UnitName(d config.ProcessDescriptor) string {
	return "botvisor-" + strings.ReplaceAll(d.Name, "/", "-") + ".service"
}

// escapeSpecifiers keeps systemd from expanding %-specifiers.
func escapeSpecifiers(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

// escapeExec also keeps ExecStart from substituting $VAR references.
func escapeExec(s string) string {
	return strings.ReplaceAll(escapeSpecifiers(s), "$", "$$")
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
