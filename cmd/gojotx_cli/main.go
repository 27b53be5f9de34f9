// Command gojotx_cli is an interactive shell that runs transactions with
// scripted participants, either against a remote coordinator or an
// in-process one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/multierr"

	coordinatorservice "github.com/sushant-115/gojotx/api/coordinator_service"
	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/dtc"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/connection"
	"github.com/sushant-115/gojotx/pkg/logger"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML config file")
	coordAddr   = flag.String("coordinator", "", "Coordinator gRPC address (overrides coordinator.address)")
	local       = flag.Bool("local", false, "Use an in-process coordinator instead of dialing one")
	historyFile = flag.String("history", "/tmp/gojotx_cli.history", "Readline history file")
	command     = flag.String("c", "", "Run these ';'-separated commands and exit")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *coordAddr != "" {
		cfg.Coordinator.Address = *coordAddr
	}
	// The shell owns stdout; logs only surface problems.
	cfg.Logger.OutputFile = "stderr"
	if cfg.Logger.Level == "info" {
		cfg.Logger.Level = "warn"
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer zlogger.Sync() //nolint:errcheck

	var platform coordinator.Platform
	if *local {
		coord := dtc.New(cfg.DTC, zlogger)
		defer func() { err = multierr.Append(err, coord.Close()) }()
		platform = coord
	} else {
		dial, derr := certs.DialOption(cfg.Coordinator.TLS)
		if derr != nil {
			return derr
		}
		pool := connection.NewPool(zlogger, dial)
		defer func() { err = multierr.Append(err, pool.Close()) }()
		platform = coordinatorservice.NewPlatform(cfg.Coordinator.Address, pool, zlogger)
	}

	conn := coordinator.NewConnection(platform, cfg.Coordinator.Reconnect, zlogger)
	defer func() { err = multierr.Append(err, conn.Close()) }()
	m, err := transaction.NewManager(cfg.Transaction, conn, zlogger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, m.Close()) }()

	sh := newShell(m, os.Stdout)
	if *command != "" {
		return runScript(sh, *command)
	}
	return interactive(sh)
}

func runScript(sh *shell, script string) error {
	for _, line := range strings.Split(script, ";") {
		if err := sh.exec(context.Background(), line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return err
		}
	}
	return nil
}

func interactive(sh *shell) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojotx> ",
		HistoryFile:     *historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("begin"),
			readline.PcItem("durable"),
			readline.PcItem("volatile"),
			readline.PcItem("promote"),
			readline.PcItem("commit"),
			readline.PcItem("rollback"),
			readline.PcItem("status"),
			readline.PcItem("reenlist"),
			readline.PcItem("demo"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	fmt.Fprintln(sh.out, "gojotx shell, type help for commands")
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if err := sh.exec(context.Background(), line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(sh.out, "error:", err)
		}
	}
}
