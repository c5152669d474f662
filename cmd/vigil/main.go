package main

import (
	"fmt"
	"os"
	"time"

	"github.com/loykin/vigil/internal/logger"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	stopFlags := &StopFlags{}
	restartFlags := &RestartFlags{}
	statusFlags := &StatusFlags{}
	serveFlags := &ServeFlags{}

	vigilCommand := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(vigilCommand, runFlags),
		createStopCommand(vigilCommand, stopFlags),
		createRestartCommand(vigilCommand, restartFlags),
		createStatusCommand(vigilCommand, statusFlags),
		createServeCommand(serveFlags, globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "vigil",
		Short: "Agent process supervision tool",
		Long: `Vigil starts, stops, restarts and reports on long-running agent
processes, tracking them in a registry that survives across invocations.

Examples:
  vigil run agents/web.toml
  vigil status
  vigil stop web --timeout=5s
  vigil stop --all --force
  vigil serve --config=vigil.toml        # Start the supervisor daemon`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Setup(os.Stderr, flags.LogLevel, flags.NoColor)
		},
	}

	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable ANSI colors in output")
	root.PersistentFlags().StringVar(&flags.StateDir, "state-dir", "", "registry state directory (default $VIGIL_STATE_DIR or ~/.vigil)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api); auto-detected when empty")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "daemon request timeout")
	return root
}

func createRunCommand(vigilCommand command, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Start an agent from its config file",
		Long: `Start the agent described by a TOML config file. The agent is spawned
in its own session, confirmed up for its start duration, and recorded in
the registry so later invocations can stop or inspect it.

With --hot-reload, config changes are picked up automatically while the
supervisor daemon (vigil serve) is running; without the daemon, apply
them with "vigil restart <config> --hot-reload".

Examples:
  vigil run agents/web.toml
  vigil run agents/web.toml --hot-reload --check-interval=30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runFlags.ConfigPath = args[0]
			return vigilCommand.Run(*runFlags)
		},
	}
	cmd.Flags().BoolVar(&runFlags.HotReload, "hot-reload", false, "enable the in-place reload path for this agent")
	cmd.Flags().BoolVar(&runFlags.Force, "force", false, "evict a live owner of the same name instead of failing")
	cmd.Flags().DurationVar(&runFlags.CheckInterval, "check-interval", 0, "health-sweep interval passed to the agent")
	return cmd
}

func createStopCommand(vigilCommand command, stopFlags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop [<config>|<name>]",
		Short: "Stop one agent or the whole fleet",
		Long: `Stop an agent by config file or name, or every registered agent with
--all. The graceful signal goes out first; past the timeout exactly one
forced kill is issued. With --all one line is printed per agent and the
command fails if any stop failed.

Examples:
  vigil stop web
  vigil stop agents/web.toml --timeout=5s
  vigil stop --all --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				stopFlags.Target = args[0]
			}
			return vigilCommand.Stop(*stopFlags)
		},
	}
	cmd.Flags().BoolVar(&stopFlags.All, "all", false, "stop every registered agent")
	cmd.Flags().BoolVar(&stopFlags.Force, "force", false, "kill immediately instead of signaling first")
	cmd.Flags().DurationVar(&stopFlags.Timeout, "timeout", 10*time.Second, "graceful stop bound before the kill escalation")
	return cmd
}

func createRestartCommand(vigilCommand command, restartFlags *RestartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart <config>|<name>",
		Short: "Restart an agent",
		Long: `Restart an agent. With --hot-reload the reload signal replaces the
stop/start cycle when the agent supports it.

Examples:
  vigil restart agents/web.toml
  vigil restart web --hot-reload`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			restartFlags.Target = args[0]
			return vigilCommand.Restart(*restartFlags)
		},
	}
	cmd.Flags().BoolVar(&restartFlags.HotReload, "hot-reload", false, "send the reload signal instead of cycling the process")
	cmd.Flags().BoolVar(&restartFlags.Force, "force", false, "kill immediately instead of signaling first")
	cmd.Flags().DurationVar(&restartFlags.Timeout, "timeout", 10*time.Second, "graceful stop bound before the kill escalation")
	return cmd
}

func createStatusCommand(vigilCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [<name>]",
		Short: "Show agent status",
		Long: `List registered agents with pid, mode, uptime, hot-reload flag and
state. Records whose process died outside vigil's control are pruned on
read.

Examples:
  vigil status
  vigil status web
  vigil status --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				statusFlags.Target = args[0]
			}
			return vigilCommand.Status(cmd.OutOrStdout(), *statusFlags)
		},
	}
	cmd.Flags().BoolVar(&statusFlags.Watch, "watch", false, "re-render continuously")
	cmd.Flags().DurationVar(&statusFlags.Interval, "interval", 2*time.Second, "watch refresh interval")
	return cmd
}

func createServeCommand(serveFlags *ServeFlags, globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the vigil supervisor daemon",
		Long: `Start the long-running supervisor daemon: control API, health probes,
metrics, the registry reconciler and the config watchers for hot-reload
agents. All configuration comes from the TOML config file.

Examples:
  vigil serve vigil.toml
  vigil serve --config=vigil.toml --daemonize`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServeCommand(serveFlags, globalFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.ConfigPath, "config", "", "path to the supervisor TOML config")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "daemon pidfile (overrides [server].pidfile)")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")
	return cmd
}
