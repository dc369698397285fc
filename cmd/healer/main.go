package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/healer"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags point a command at a running agent.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

// AuditFlags narrow the audit listings.
type AuditFlags struct {
	Target string
	Action string
	Since  time.Duration
	Limit  int
	Active bool
	JSON   bool
}

func buildRoot(opts ...healer.Option) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	c := command{global: globalFlags, opts: opts}

	root.AddCommand(
		createServeCommand(c),
		createCheckCommand(c),
		createStatusCommand(c, &APIFlags{}),
		createAuditCommand(c, &AuditFlags{}),
		createValidateRebootCommand(c),
		createWatchUpdatesCommand(c),
		createScanUpdatesCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "healer",
		Short: "Autonomous recovery agent for edge nodes",
		Long: `Healer watches the services and resources of an edge node and recovers
them without an operator: restarts, graceful inference relief, critical
recovery and, as a last resort, a guarded reboot.

Examples:
  healer serve --config=/etc/healer/healer.toml
  healer check                      # one observation, exit 1 when unhealthy
  healer watch-updates               # separate process next to serve
  healer status --api-url=http://127.0.0.1:8089/api
  healer audit actions --since=1h`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the recovery loop and the status API",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), args)
		},
	}
}

func createCheckCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Observe the node once without acting",
		Long: `Run a single observation: resources, service health, dependency probes and
GPU state. Nothing is restarted. Exits non-zero when the node is unhealthy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Check(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createStatusCommand(c command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last cycle of a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "agent URL (default from [server] in config)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate of a TLS agent (its tls.crt when self-signed)")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	return cmd
}

func createAuditCommand(c command, flags *AuditFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List the persisted audit trail",
	}
	cmd.PersistentFlags().IntVar(&flags.Limit, "limit", 50, "maximum rows")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of a table")

	actions := &cobra.Command{
		Use:   "actions",
		Short: "Recovery actions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AuditActions(cmd.Context(), *flags, cmd.OutOrStdout())
		},
	}
	actions.Flags().StringVar(&flags.Target, "target", "", "only this target")
	actions.Flags().StringVar(&flags.Action, "action", "", "only this action type")
	actions.Flags().DurationVar(&flags.Since, "since", 0, "only actions within this duration")

	failures := &cobra.Command{
		Use:   "failures",
		Short: "Recorded service failures, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AuditFailures(cmd.Context(), *flags, cmd.OutOrStdout())
		},
	}
	failures.Flags().StringVar(&flags.Target, "service", "", "only this service")

	reboots := &cobra.Command{
		Use:   "reboots",
		Short: "Reboots and their validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AuditReboots(cmd.Context(), *flags, cmd.OutOrStdout())
		},
	}

	updates := &cobra.Command{
		Use:   "updates",
		Short: "Update bundles seen on removable media",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AuditUpdates(cmd.Context(), *flags, cmd.OutOrStdout())
		},
	}
	updates.Flags().BoolVar(&flags.Active, "active", false, "only bundles still staging")

	cmd.AddCommand(actions, failures, reboots, updates)
	return cmd
}

func createValidateRebootCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-reboot",
		Short: "Validate a pending reboot against the current node state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ValidateReboot(cmd.Context())
		},
	}
}

func createWatchUpdatesCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "watch-updates [config.toml]",
		Short: "Watch removable media and stage update bundles",
		Long: `Run the update watcher as a process of its own. It talks to the recovery
loop only through the store, so run it next to "healer serve" under the
same configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.WatchUpdates(cmd.Context(), args)
		},
	}
}

func createScanUpdatesCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "scan-updates",
		Short: "Scan removable media once and stage any update bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ScanUpdates(cmd.Context(), cmd.OutOrStdout())
		},
	}
}
