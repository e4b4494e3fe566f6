// Package cli is the supervisor binary's command surface: an implicit
// "supervise" mode when no subcommand is given, plus the auxiliary modes
// (check, bootstrap, describe-config, single-user, spawn-child,
// print-config-variable, version). Free-form --set options override
// configuration variables through the same layering as environment
// variables.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pgboss/pgboss/boss"
	"github.com/pgboss/pgboss/internal/child"
	"github.com/pgboss/pgboss/internal/config"
	"github.com/pgboss/pgboss/internal/ipc"
	"github.com/pgboss/pgboss/internal/kinds"
	"github.com/pgboss/pgboss/internal/launcher"
	"github.com/pgboss/pgboss/internal/logging"
	"github.com/pgboss/pgboss/internal/pidfile"
	"github.com/pgboss/pgboss/internal/shmem"
)

// readOnlyModes may run as root; everything else refuses, because a
// supervisor running as root would hand root to every child.
var readOnlyModes = map[string]bool{
	"check":                 true,
	"describe-config":       true,
	"print-config-variable": true,
	"version":               true,
	"help":                  true,
}

type options struct {
	configPath string
	logLevel   string
	logPretty  bool
	sets       []string
}

// Execute parses arguments and runs the selected mode, returning the
// process exit code. Configuration and argument errors exit 2 before any
// child is launched; resource-acquisition failures exit 1.
func Execute(version string, args []string) int {
	// Children re-exec'd by the launcher bypass cobra entirely: their
	// arguments are a private contract with the launcher, not operator
	// surface.
	if len(args) > 0 && strings.HasPrefix(args[0], "--pgboss-child=") {
		return runChild(args)
	}

	opts := &options{}
	root := newRootCmd(version, opts)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pgbossd: %v\n", err)
		return 2
	}
	return 0
}

func newRootCmd(version string, opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "pgbossd",
		Short:         "pgboss database supervisor",
		Long:          "pgbossd supervises a pgboss cluster: it owns shared memory and the listening sockets, spawns every worker process, and drives startup, recovery, reload and shutdown.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if os.Geteuid() == 0 && !readOnlyModes[cmd.Name()] {
				return fmt.Errorf("refusing to run %q as root", cmd.Name())
			}
			return applySets(opts.sets)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervise(opts)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to pgboss.yaml")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolVar(&opts.logPretty, "log-pretty", false, "human-readable log output")
	pf.StringArrayVar(&opts.sets, "set", nil, "override a configuration variable (name=value, repeatable)")

	root.AddCommand(
		newCheckCmd(opts),
		newBootstrapCmd(opts),
		newDescribeConfigCmd(opts),
		newSingleUserCmd(opts),
		newSpawnChildCmd(opts),
		newPrintConfigVariableCmd(opts),
	)
	return root
}

// applySets turns --set name=value options into PGBOSS_ environment
// variables so they ride the existing config layering (and are inherited
// by re-exec'd children without extra plumbing).
func applySets(sets []string) error {
	for _, s := range sets {
		name, val, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return fmt.Errorf("--set wants name=value, got %q", s)
		}
		env := "PGBOSS_" + strings.ToUpper(strings.ReplaceAll(name, ".", "__"))
		if err := os.Setenv(env, val); err != nil {
			return err
		}
	}
	return nil
}

func loadConfig(opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg.Locale = config.SetupLocale(cfg.Locale)
	return cfg, nil
}

func runSupervise(opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: opts.logLevel, Pretty: opts.logPretty})
	boss.Main(cfg, log)
	return nil
}

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and report on any running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if fi, err := os.Stat(cfg.DataDir); err != nil || !fi.IsDir() {
				return fmt.Errorf("data directory %s is not usable", cfg.DataDir)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok (data_dir=%s)\n", cfg.DataDir)

			if c, err := ipc.FindSupervisor(cfg.DataDir); err == nil {
				defer c.Close()
				if st, err := c.Status(); err == nil {
					fmt.Fprintf(out, "supervisor running: pid=%d state=%s children=%d\n", st.Pid, st.State, st.LiveChildren)
					return nil
				}
			}
			if info, err := pidfile.Read(cfg.DataDir); err == nil {
				fmt.Fprintf(out, "stale or unreachable supervisor: pid=%d status=%s\n", info.Pid, info.Status)
			} else {
				fmt.Fprintln(out, "no supervisor running")
			}
			return nil
		},
	}
}

func newBootstrapCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Initialize a new data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
			entries, err := os.ReadDir(cfg.DataDir)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				return fmt.Errorf("data directory %s is not empty", cfg.DataDir)
			}
			control := fmt.Sprintf("pgboss control\nversion: 1\nsegment_key: %d\n", cfg.SharedSegmentKey)
			if err := os.WriteFile(cfg.DataDir+"/pgboss.control", []byte(control), 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized data directory %s\n", cfg.DataDir)
			return nil
		},
	}
}

func newDescribeConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "describe-config",
		Short: "Print every configuration variable and its effective value",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			m := cfg.Map()
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", k, m[k])
			}
			return nil
		},
	}
}

func newPrintConfigVariableCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "print-config-variable NAME",
		Short: "Print the effective value of one configuration variable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			v, ok := cfg.Map()[args[0]]
			if !ok {
				return fmt.Errorf("unknown configuration variable %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v\n", v)
			return nil
		},
	}
}

// newSingleUserCmd runs one session inline on the operator's terminal
// with no children and no listening sockets: shared memory is provisioned
// for the single process and torn down on EOF.
func newSingleUserCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "single-user",
		Short: "Run a single session without the supervisor (maintenance mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{Level: opts.logLevel, Pretty: true})
			prov := shmem.New(logging.Component(log, "shmem"), cfg.SharedSegmentKey)
			seg, err := prov.SizeAndInit()
			if err != nil {
				return err
			}
			defer prov.Destroy()
			_ = seg

			fmt.Fprintln(cmd.OutOrStdout(), "pgboss single-user mode; end with EOF")
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" {
					continue
				}
				// The SQL engine is an external collaborator; in its
				// absence every statement is acknowledged and logged.
				log.Info().Str("statement", line).Msg("single-user statement")
			}
			return sc.Err()
		},
	}
}

func newSpawnChildCmd(opts *options) *cobra.Command {
	var spawnFile string
	var deadEnd string
	cmd := &cobra.Command{
		Use:    "spawn-child",
		Short:  "Internal: start a spawn-and-reattach child",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(logging.Config{Level: opts.logLevel})
			_, _, kind, slot, token, _, err := launcher.LoadSpawnFile(spawnFile, nil)
			if err != nil {
				return err
			}
			os.Exit(child.Main(log, child.Params{Kind: kind, Slot: slot, Token: token, DeadEndReason: deadEnd}))
			return nil
		},
	}
	cmd.Flags().StringVar(&spawnFile, "pgboss-spawn-file", "", "path to the serialized spawn state")
	cmd.Flags().StringVar(&deadEnd, "pgboss-deadend", "", "rejection reason for dead-end children")
	cmd.MarkFlagRequired("pgboss-spawn-file")
	return cmd
}

// runChild decodes the fork-style child arguments and runs the child
// main.
func runChild(args []string) int {
	fs := pflag.NewFlagSet("pgboss-child", pflag.ContinueOnError)
	kindName := fs.String("pgboss-child", "", "")
	slot := fs.Int("pgboss-slot", -1, "")
	token := fs.String("pgboss-token", "0", "")
	deadEnd := fs.String("pgboss-deadend", "", "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "pgboss child: %v\n", err)
		return 2
	}
	var kind kinds.Kind
	found := false
	for _, k := range kinds.All() {
		if k.String() == *kindName {
			kind, found = k, true
			break
		}
	}
	if !found {
		fmt.Fprintf(os.Stderr, "pgboss child: unknown kind %q\n", *kindName)
		return 2
	}
	tok, err := strconv.ParseUint(*token, 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pgboss child: bad token: %v\n", err)
		return 2
	}
	log := logging.New(logging.Config{Level: "info"})
	return child.Main(log, child.Params{Kind: kind, Slot: *slot, Token: uint32(tok), DeadEndReason: *deadEnd})
}
