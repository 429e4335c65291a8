// Package cli wires the termhostd command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/renkert/termhostd/internal/hostcfg"
	"github.com/renkert/termhostd/internal/hostd"
	"github.com/renkert/termhostd/internal/logging"
	"github.com/renkert/termhostd/internal/session"
)

// Run executes the CLI and returns a process exit code.
func Run(args []string, version string) int {
	app := buildApp(version, os.Stdout, os.Stderr)
	if err := app.Run(context.Background(), args); err != nil {
		fmt.Fprintf(os.Stderr, "termhostd: %v\n", err)
		return 1
	}
	return 0
}

func buildApp(version string, stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "termhostd",
		Usage:     "terminal host daemon: owns PTY sessions, serves UI clients over a unix socket",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to config.toml"},
			&cli.StringFlag{Name: "socket", Usage: "unix socket path override"},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the daemon in the foreground",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runDaemon(ctx, cmd, version)
				},
			},
			{
				Name:  "stop",
				Usage: "stop a running daemon",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runStop(cmd, stderr)
				},
			},
			{
				Name:  "status",
				Usage: "report whether a daemon is running",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runStatus(ctx, cmd, stdout)
				},
			},
			{
				Name:  "list",
				Usage: "list sessions held by the daemon",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runList(ctx, cmd, stdout)
				},
			},
			{
				Name:      "kill",
				Usage:     "signal a session's process group",
				ArgsUsage: "<session-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "signal", Value: "SIGTERM", Usage: "signal name to deliver"},
					&cli.BoolFlag{Name: "all", Usage: "kill every session"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runKill(ctx, cmd, stderr)
				},
			},
		},
	}
}

func runDaemon(ctx context.Context, cmd *cli.Command, version string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	closeLog, err := logging.Init(cfg.Logging, logging.InitOptions{
		App:     "termhostd",
		Version: version,
		Mode:    logging.ModeDaemon,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = closeLog() }()

	daemon, err := hostd.NewDaemon(hostd.DaemonConfig{
		Version:    version,
		SocketPath: cmd.String("socket"),
		Manager: session.ManagerConfig{
			ScrollbackMaxBytes: cfg.Daemon.ScrollbackMaxBytes,
			CleanupDelay:       cfg.Daemon.CleanupDelay(),
			SettleDelay:        cfg.Daemon.SettleDelay(),
		},
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		_ = daemon.Stop()
	}()
	if err := daemon.Run(); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}

func loadConfig(cmd *cli.Command) (hostcfg.Config, error) {
	path := cmd.String("config")
	if path == "" {
		defaultPath, err := hostcfg.DefaultPath()
		if err != nil {
			return hostcfg.Defaults(), nil
		}
		path = defaultPath
	}
	return hostcfg.NewLoader(path).Load()
}

func resolvePaths(cmd *cli.Command) (socket, pidPath, token string, err error) {
	socket = cmd.String("socket")
	if socket == "" {
		socket, err = hostd.DefaultSocketPath()
		if err != nil {
			return "", "", "", err
		}
	}
	pidPath, err = hostd.DefaultPidPath()
	if err != nil {
		return "", "", "", err
	}
	tokenPath, err := hostd.DefaultTokenPath()
	if err != nil {
		return "", "", "", err
	}
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return socket, pidPath, "", nil
	}
	return socket, pidPath, strings.TrimSpace(string(data)), nil
}

func runStop(cmd *cli.Command, errOut io.Writer) error {
	socket, pidPath, _, err := resolvePaths(cmd)
	if err != nil {
		return err
	}
	if err := hostd.StopDaemon(pidPath, socket); err != nil {
		return err
	}
	fmt.Fprintln(errOut, "Daemon stopped.")
	return nil
}

func runStatus(ctx context.Context, cmd *cli.Command, out io.Writer) error {
	socket, pidPath, token, err := resolvePaths(cmd)
	if err != nil {
		return err
	}
	if !hostd.Running(ctx, socket, token) {
		fmt.Fprintln(out, "not running")
		return nil
	}
	pid, err := hostd.ReadPidFile(pidPath)
	if err != nil {
		fmt.Fprintln(out, "running")
		return nil
	}
	fmt.Fprintf(out, "running (pid %d, socket %s)\n", pid, socket)
	return nil
}

func runList(ctx context.Context, cmd *cli.Command, out io.Writer) error {
	client, err := dialClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}
	fmt.Fprintf(out, "%-28s %-16s %-12s %-6s %s\n", "SESSION", "WORKSPACE", "PANE", "ALIVE", "CLIENTS")
	for _, s := range sessions {
		fmt.Fprintf(out, "%-28s %-16s %-12s %-6t %d\n", s.SessionID, s.WorkspaceID, s.PaneID, s.IsAlive, s.AttachedClients)
	}
	return nil
}

func runKill(ctx context.Context, cmd *cli.Command, errOut io.Writer) error {
	client, err := dialClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()
	if cmd.Bool("all") {
		if err := client.KillAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(errOut, "All sessions signaled.")
		return nil
	}
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("session id required (or --all)")
	}
	if err := client.Kill(ctx, id, cmd.String("signal")); err != nil {
		return err
	}
	fmt.Fprintf(errOut, "Session %s signaled.\n", id)
	return nil
}

func dialClient(ctx context.Context, cmd *cli.Command) (*hostd.Client, error) {
	socket, _, token, err := resolvePaths(cmd)
	if err != nil {
		return nil, err
	}
	client, err := hostd.Dial(ctx, socket, token)
	if err != nil {
		if hostd.IsConnectionError(err) {
			return nil, fmt.Errorf("daemon not running on %s", socket)
		}
		return nil, err
	}
	return client, nil
}
