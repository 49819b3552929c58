package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyName         = errors.New("process name is empty")
	ErrDuplicateName     = errors.New("duplicate process name")
	ErrEmptyScript       = errors.New("script path is empty")
	ErrUnsupportedMode   = errors.New("unsupported exec_mode")
	ErrUnsupportedFormat = errors.New("unsupported ecosystem file format")
)

const (
	ExecModeFork = "fork"

	DefaultLogDateFormat = "YYYY-MM-DD HH:mm:ss"
	DefaultKillTimeout   = 1600 * time.Millisecond
	MinRestartDelay      = time.Second
)

// DefaultIgnoreWatch lists the entries skipped by watch mode when a
// descriptor does not name its own.
var DefaultIgnoreWatch = []string{".git", "node_modules", "__pycache__", "*.log", "*.pyc"}

var interpreterByExt = map[string]string{
	".py": "python3",
	".js": "node",
	".sh": "bash",
}

// ProcessDescriptor declares how one child process is launched and
// supervised. It is read once and never mutated afterwards; use Clone
// before handing it to code that might.
type ProcessDescriptor struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	// Script is the entry point, already resolved against the home dir.
	Script      string   `json:"script" yaml:"script" toml:"script"`
	Interpreter string   `json:"interpreter" yaml:"interpreter" toml:"interpreter"`
	Args        []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Cwd         string   `json:"cwd,omitempty" yaml:"cwd,omitempty" toml:"cwd,omitempty"`
	ExecMode    string   `json:"exec_mode,omitempty" yaml:"exec_mode,omitempty" toml:"exec_mode,omitempty"`

	AutoStart   *bool    `json:"autostart,omitempty" yaml:"autostart,omitempty" toml:"autostart,omitempty"`
	AutoRestart bool     `json:"autorestart" yaml:"autorestart" toml:"autorestart"`
	Watch       bool     `json:"watch" yaml:"watch" toml:"watch"`
	IgnoreWatch []string `json:"ignore_watch,omitempty" yaml:"ignore_watch,omitempty" toml:"ignore_watch,omitempty"`

	MaxMemoryRestart string `json:"max_memory_restart,omitempty" yaml:"max_memory_restart,omitempty" toml:"max_memory_restart,omitempty"`
	// RestartDelay and KillTimeout are milliseconds, as in pm2.
	RestartDelay int    `json:"restart_delay,omitempty" yaml:"restart_delay,omitempty" toml:"restart_delay,omitempty"`
	MaxRestarts  int    `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty" toml:"max_restarts,omitempty"`
	KillTimeout  int    `json:"kill_timeout,omitempty" yaml:"kill_timeout,omitempty" toml:"kill_timeout,omitempty"`
	StopSignal   string `json:"stop_signal,omitempty" yaml:"stop_signal,omitempty" toml:"stop_signal,omitempty"`

	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	LogDateFormat string            `json:"log_date_format,omitempty" yaml:"log_date_format,omitempty" toml:"log_date_format,omitempty"`
}

// EcosystemConfig is the top-level ecosystem document.
type EcosystemConfig struct {
	Apps []ProcessDescriptor `json:"apps" yaml:"apps" toml:"apps"`
}

// ResolveScriptPath returns the backpack bot entry point under home.
func ResolveScriptPath(home string) string {
	return filepath.Join(home, ".backpack_bot", "backpack_bot.py")
}

// BackpackBot returns the built-in descriptor for the backpack bot.
func BackpackBot(home string) ProcessDescriptor {
	d := ProcessDescriptor{
		Name:             "backpack_bot",
		Script:           ResolveScriptPath(home),
		Interpreter:      "python3",
		AutoRestart:      true,
		Watch:            false,
		MaxMemoryRestart: "200M",
		Env: map[string]string{
			"NODE_ENV": "production",
		},
		LogDateFormat: DefaultLogDateFormat,
	}
	return d.WithDefaults()
}

// Clone returns a deep copy.
func (d ProcessDescriptor) Clone() ProcessDescriptor {
	c := d
	c.Args = slices.Clone(d.Args)
	c.IgnoreWatch = slices.Clone(d.IgnoreWatch)
	c.Env = maps.Clone(d.Env)
	if d.AutoStart != nil {
		v := *d.AutoStart
		c.AutoStart = &v
	}
	return c
}

// WithDefaults returns a copy with pm2 defaults filled in.
func (d ProcessDescriptor) WithDefaults() ProcessDescriptor {
	c := d.Clone()
	if c.Interpreter == "" {
		c.Interpreter = interpreterByExt[strings.ToLower(filepath.Ext(c.Script))]
	}
	if c.ExecMode == "" {
		c.ExecMode = ExecModeFork
	}
	if c.LogDateFormat == "" {
		c.LogDateFormat = DefaultLogDateFormat
	}
	if c.KillTimeout == 0 {
		c.KillTimeout = int(DefaultKillTimeout / time.Millisecond)
	}
	if c.StopSignal == "" {
		c.StopSignal = "SIGTERM"
	}
	if c.Watch && c.IgnoreWatch == nil {
		c.IgnoreWatch = slices.Clone(DefaultIgnoreWatch)
	}
	return c
}

func (d ProcessDescriptor) StartsAutomatically() bool {
	return d.AutoStart == nil || *d.AutoStart
}

// MemoryLimit returns the restart threshold in bytes, 0 when unset.
func (d ProcessDescriptor) MemoryLimit() (uint64, error) {
	return ParseMemorySize(d.MaxMemoryRestart)
}

func (d ProcessDescriptor) DateFormat() (DateFormat, error) {
	if d.LogDateFormat == "" {
		return ParseDateFormat(DefaultLogDateFormat)
	}
	return ParseDateFormat(d.LogDateFormat)
}

func (d ProcessDescriptor) KillTimeoutDuration() time.Duration {
	if d.KillTimeout <= 0 {
		return DefaultKillTimeout
	}
	return time.Duration(d.KillTimeout) * time.Millisecond
}

// RestartDelayDuration never drops below MinRestartDelay so a crashing
// script cannot spin the supervisor.
func (d ProcessDescriptor) RestartDelayDuration() time.Duration {
	delay := time.Duration(d.RestartDelay) * time.Millisecond
	if delay < MinRestartDelay {
		return MinRestartDelay
	}
	return delay
}

// WorkingDir is Cwd, or the script's directory when Cwd is unset.
func (d ProcessDescriptor) WorkingDir() string {
	if d.Cwd != "" {
		return d.Cwd
	}
	return filepath.Dir(d.Script)
}

// Command returns the program and argv used to launch the script.
func (d ProcessDescriptor) Command() (string, []string) {
	args := slices.Clone(d.Args)
	if d.Interpreter == "" || d.Interpreter == "none" {
		return d.Script, args
	}
	return d.Interpreter, append([]string{d.Script}, args...)
}

// Environ returns the descriptor env as sorted KEY=VALUE pairs.
func (d ProcessDescriptor) Environ() []string {
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+d.Env[k])
	}
	return out
}

// Expander resolves host-dependent values in a descriptor. Home is
// injected rather than read from the process environment.
type Expander struct {
	Home   string
	Lookup func(key string) (string, bool)
}

// HostExpander resolves against the current user's home and environment.
func HostExpander() Expander {
	home, _ := os.UserHomeDir()
	return Expander{Home: home, Lookup: os.LookupEnv}
}

// Expand resolves a leading ~, $VAR and ${VAR}. $$ yields a literal $.
func (x Expander) Expand(s string) string {
	if s == "~" {
		s = "${HOME}"
	} else if strings.HasPrefix(s, "~/") {
		s = "${HOME}" + s[1:]
	}
	return os.Expand(s, func(key string) string {
		switch key {
		case "$":
			return "$"
		case "HOME":
			return x.Home
		}
		if x.Lookup == nil {
			return ""
		}
		v, _ := x.Lookup(key)
		return v
	})
}

// Apply returns a copy of d with paths expanded. Args and env values are
// only expanded when they hold a ${...} reference, so secrets containing
// a bare $ reach the child untouched.
func (x Expander) Apply(d ProcessDescriptor) ProcessDescriptor {
	c := d.Clone()
	c.Script = x.Expand(c.Script)
	if c.Cwd != "" {
		c.Cwd = x.Expand(c.Cwd)
	}
	for i, a := range c.Args {
		c.Args[i] = x.expandRefs(a)
	}
	for k, v := range c.Env {
		c.Env[k] = x.expandRefs(v)
	}
	return c
}

func (x Expander) expandRefs(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return x.Expand(s)
}

// LoadEcosystem reads, expands, defaults and validates an ecosystem file.
func LoadEcosystem(path string, x Expander) (*EcosystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := DecodeEcosystem(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	for i := range cfg.Apps {
		cfg.Apps[i] = x.Apply(cfg.Apps[i]).WithDefaults()
	}

	if err := Validate(cfg.Apps); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	return cfg, nil
}

// DecodeEcosystem parses raw ecosystem data. ext selects the format and
// carries the leading dot, as returned by filepath.Ext.
func DecodeEcosystem(data []byte, ext string) (*EcosystemConfig, error) {
	var cfg EcosystemConfig

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	return &cfg, nil
}

// Validate checks every descriptor and reports all problems at once.
func Validate(descs []ProcessDescriptor) error {
	var errs []error
	seen := make(map[string]struct{}, len(descs))

	for i, d := range descs {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("apps[%d]: %w", i, ErrEmptyName))
		} else if _, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("apps[%d]: %w: %s", i, ErrDuplicateName, d.Name))
		} else {
			seen[d.Name] = struct{}{}
		}

		if d.Script == "" {
			errs = append(errs, fmt.Errorf("apps[%d]: %w", i, ErrEmptyScript))
		}
		if d.ExecMode != "" && d.ExecMode != ExecModeFork {
			errs = append(errs, fmt.Errorf("apps[%d]: %w: %s", i, ErrUnsupportedMode, d.ExecMode))
		}
		if _, err := d.MemoryLimit(); err != nil {
			errs = append(errs, fmt.Errorf("apps[%d] max_memory_restart: %w", i, err))
		}
		if _, err := d.DateFormat(); err != nil {
			errs = append(errs, fmt.Errorf("apps[%d] log_date_format: %w", i, err))
		}
	}

	return errors.Join(errs...)
}
