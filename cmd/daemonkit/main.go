package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/daemonkit/internal/runloop"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err, os.Stderr))
	}
}

// exitCode maps a command error to the process exit code, printing it
// unless it only carries a status.
func exitCode(err error, stderr io.Writer) int {
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if !errors.Is(err, errRefused) {
		_, _ = fmt.Fprintln(stderr, err)
	}
	return 1
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	daemonkitCommand := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createStartCommand(daemonkitCommand, globalFlags),
		createStopCommand(daemonkitCommand, globalFlags),
		createStatusCommand(daemonkitCommand, globalFlags),
		createListCommand(daemonkitCommand, globalFlags),
		createRunCommand(daemonkitCommand, globalFlags),
		createServiceCommand(daemonkitCommand, globalFlags),
		createServeCommand(daemonkitCommand, globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "daemonkit",
		Short: "Daemon lifecycle supervisor",
		Long: `Daemonkit starts commands as detached daemons, validates their startup,
keeps them under an optional foreground loop, and stops them by signal
escalation. It also drives user-level systemd and launchd services.

Examples:
  daemonkit start worker "php worker.php"
  daemonkit stop worker --signal=INT --signal=KILL
  daemonkit stop --all queue
  daemonkit service restart app.queue.mailer
  daemonkit serve --config=daemonkit.toml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createStartCommand creates the start subcommand
func createStartCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	startFlags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start [id] [command...]",
		Short: "Start a daemon",
		Long: `Start a command as a detached daemon and validate its startup. The daemon
is kept under a "daemonkit run" loop unless --direct is given.

Examples:
  daemonkit start worker "php worker.php"
  daemonkit start web ./server --health-check="curl -fs localhost:8080/health"
  daemonkit start --all             # every [[daemons]] entry of the config`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *startFlags
			f.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				f.ID = args[0]
				f.Command = strings.Join(args[1:], " ")
			}
			return c.Start(f)
		},
	}
	cmd.Flags().BoolVar(&startFlags.All, "all", false, "start every daemon declared in the config")
	cmd.Flags().BoolVar(&startFlags.Direct, "direct", false, "launch under /bin/sh without a run loop")
	cmd.Flags().StringVar(&startFlags.HealthCheck, "health-check", "", "command that must exit 0 once the daemon is up")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	stopFlags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop [id | --all [pattern]]",
		Short: "Stop a daemon",
		Long: `Stop a daemon by sending each signal in turn and waiting up to --timeout
after each one. With --all the argument is a case-insensitive regular
expression matched against daemon ids; no argument stops every daemon.

Examples:
  daemonkit stop worker
  daemonkit stop worker --timeout=3s --signal=TERM --signal=KILL
  daemonkit stop --all 'queue-.*'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *stopFlags
			f.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				if f.All {
					f.Pattern = args[0]
				} else {
					f.ID = args[0]
				}
			}
			return c.Stop(f)
		},
	}
	cmd.Flags().BoolVar(&stopFlags.All, "all", false, "stop every daemon matching the pattern")
	cmd.Flags().DurationVar(&stopFlags.Timeout, "timeout", 0, "wait after each signal (config stop_timeout when zero)")
	cmd.Flags().StringArrayVar(&stopFlags.Signals, "signal", nil, "signal escalation, repeatable (config stop_signals when empty)")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show daemon status",
		Long: `Print the status of one daemon as JSON. The exit code is 1 when the
daemon is not running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(StatusFlags{ConfigPath: globalFlags.ConfigPath, ID: args[0]})
		},
	}
}

// createListCommand creates the list subcommand
func createListCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List daemon records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(StatusFlags{ConfigPath: globalFlags.ConfigPath})
		},
	}
}

// createRunCommand creates the run subcommand
func createRunCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run --id=<id> -- <command...>",
		Short: "Run a command in a foreground loop",
		Long: `Run a command in the foreground, restarting it after every clean exit
that lasted at least --min-runtime, until a stop signal arrives or the exit
marker is written by "daemonkit stop".

Examples:
  daemonkit run --id=worker -- php worker.php
  daemonkit run --id=once --no-auto-restart -- ./job.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *runFlags
			f.ConfigPath = globalFlags.ConfigPath
			f.Command = strings.Join(args, " ")
			return c.Run(cmd.Context(), f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&runFlags.ID, "id", "", "daemon id (required)")
	cmd.Flags().BoolVar(&runFlags.Managed, "managed", false, "started by a supervisor that holds the start lock")
	cmd.Flags().BoolVar(&runFlags.NoAutoRestart, "no-auto-restart", false, "exit after the first clean exit")
	cmd.Flags().DurationVar(&runFlags.MinRuntime, "min-runtime", runloop.DefaultMinRuntime, "shortest run that counts as a clean exit")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err) // This should never happen during setup
	}
	return cmd
}

// createServiceCommand creates the service command group
func createServiceCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	serviceFlags := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage user-level systemd or launchd services",
		Long: `Manage the unit files found under service_dir. A file at
app/queue/mailer.service is addressed as app.queue.mailer.

Examples:
  daemonkit service list
  daemonkit service start app.queue.mailer
  daemonkit service stop --all queue`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List service names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceList(ServiceFlags{ConfigPath: globalFlags.ConfigPath})
		},
	})
	for _, action := range []string{"start", "stop", "restart", "status"} {
		sub := &cobra.Command{
			Use:   action + " <name>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a service",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				f := ServiceFlags{ConfigPath: globalFlags.ConfigPath, All: serviceFlags.All}
				if len(args) > 0 {
					if f.All {
						f.Pattern = args[0]
					} else {
						f.Name = args[0]
					}
				}
				return c.ServiceAction(action, f)
			},
		}
		if action == "stop" {
			sub.Flags().BoolVar(&serviceFlags.All, "all", false, "stop every service whose name contains the argument")
		}
		cmd.AddCommand(sub)
	}
	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the daemon and service HTTP API until interrupted. Daemons started
through the API run under "daemonkit run" loops of this executable.

Examples:
  daemonkit serve --config=daemonkit.toml
  daemonkit serve --listen=127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *serveFlags
			f.ConfigPath = globalFlags.ConfigPath
			return c.Serve(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "listen address (config server.listen when empty)")
	return cmd
}
