// Command ecosystem inspects ecosystem files without starting anything.
//
//	ecosystem show     [-c file]    print resolved descriptors as JSON
//	ecosystem validate [-c file]    check descriptors, exit 1 on error
//	ecosystem unit     [-c file] NAME  print a systemd unit for NAME
//	ecosystem token    [--ttl 24h]  mint an API token from API_SECRET
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/pflag"

	"botvisor/internal/config"
	"botvisor/internal/middleware"
	"botvisor/internal/systemd"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ecosystem:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: ecosystem show|validate|unit|token [flags]")
	}

	cmd, args := args[0], args[1:]
	x := config.HostExpander()

	flags := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "ecosystem.yaml", "Path to the ecosystem file")
	home := flags.String("home", x.Home, "Home directory used to resolve script paths")
	ttl := flags.Duration("ttl", 24*time.Hour, "Token lifetime")
	subject := flags.String("subject", "cli", "Token subject")
	if err := flags.Parse(args); err != nil {
		return err
	}
	x.Home = *home

	switch cmd {
	case "show":
		cfg, err := load(*configPath, x)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "validate":
		cfg, err := config.LoadEcosystem(*configPath, x)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d app(s) ok\n", *configPath, len(cfg.Apps))
		return nil
	case "unit":
		if flags.NArg() != 1 {
			return errors.New("usage: ecosystem unit [-c file] NAME")
		}
		cfg, err := load(*configPath, x)
		if err != nil {
			return err
		}
		for _, d := range cfg.Apps {
			if d.Name == flags.Arg(0) {
				unit, err := systemd.Unit(d)
				if err != nil {
					return err
				}
				_, err = io.Copy(out, unit)
				return err
			}
		}
		return fmt.Errorf("no app named %q in %s", flags.Arg(0), *configPath)
	case "token":
		secret := os.Getenv("API_SECRET")
		if secret == "" {
			return errors.New("API_SECRET is not set")
		}
		token, err := middleware.IssueToken([]byte(secret), *subject, *ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// load falls back to the built-in descriptor when the file is missing,
// like the server does.
func load(path string, x config.Expander) (*config.EcosystemConfig, error) {
	cfg, err := config.LoadEcosystem(path, x)
	if errors.Is(err, fs.ErrNotExist) {
		return &config.EcosystemConfig{Apps: []config.ProcessDescriptor{config.BackpackBot(x.Home)}}, nil
	}
	return cfg, err
}
