package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pcrdb/pcrdb/pkg/api"
	"github.com/pcrdb/pcrdb/pkg/client"
	"github.com/pcrdb/pcrdb/pkg/config"
	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/scheduler"
	"github.com/pcrdb/pcrdb/pkg/store"
	"github.com/pcrdb/pcrdb/pkg/tasks"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// fallbackAppVersion seeds the version file on first run; the login
// handshake overwrites it as soon as the store reports a newer one.
const fallbackAppVersion = "10.7.1"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pcrdb",
	Short: "pcrdb - longitudinal game data collection",
	Long: `pcrdb crawls clan, player, and arena ranking data from the game
server into an append-only PostgreSQL snapshot store, on a cron
schedule or on demand, and serves analytical reads over HTTP.`,
	Version: Version,
}

var taskArgs []string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pcrdb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	taskCmd.Flags().StringArrayVar(&taskArgs, "args", nil,
		"task parameters as k=v pairs (numeric values become ints)")

	accountsCmd.AddCommand(accountsBindCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(accountsCmd)
}

// setup loads config, boots logging, and connects the store.
func setup(ctx context.Context) (*config.Config, *tasks.Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	st, err := store.New(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	versions, err := client.NewVersionStore(cfg.VersionFile, fallbackAppVersion)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	env := &tasks.Env{
		Store:         st,
		Clients:       &client.Factory{BaseURL: cfg.APIBaseURL, Versions: versions},
		Concurrency:   cfg.SyncNum,
		BatchSize:     cfg.BatchSize,
		AccessKeyHint: cfg.AccessKey,
	}
	return cfg, env, nil
}

// parseTaskArgs turns k=v pairs into task args, converting numeric
// values to ints.
func parseTaskArgs(pairs []string) (tasks.Args, error) {
	args := tasks.Args{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad --args entry %q, want k=v", pair)
		}
		if n, err := strconv.Atoi(v); err == nil {
			args[k] = n
		} else {
			args[k] = v
		}
	}
	return args, nil
}

var taskCmd = &cobra.Command{
	Use:   "task <name>",
	Short: "Run one crawl task immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, cmdArgs []string) error {
		name := cmdArgs[0]
		if !tasks.Known(name) {
			fmt.Fprintf(os.Stderr, "Unknown task %q. Available tasks:\n", name)
			for _, n := range tasks.Names() {
				fmt.Fprintf(os.Stderr, "  %s\n", n)
			}
			os.Exit(1)
		}

		args, err := parseTaskArgs(taskArgs)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		_, env, err := setup(ctx)
		if err != nil {
			return err
		}
		defer env.Store.Close()

		return tasks.Run(ctx, env, name, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the query API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, env, err := setup(ctx)
		if err != nil {
			return err
		}
		defer env.Store.Close()

		jobs, err := scheduler.Load(cfg.ScheduleFile)
		if err != nil {
			return err
		}

		sched := scheduler.New(env, jobs)
		sched.Start()
		defer sched.Stop()

		return api.New(env.Store, cfg.JWTSecret).ListenAndServe(ctx, cfg.HTTPAddr)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		_, env, err := setup(ctx)
		if err != nil {
			return err
		}
		defer env.Store.Close()

		if err := env.Store.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("✓ Schema applied")
		return nil
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage crawler accounts",
}

var accountsBindCmd = &cobra.Command{
	Use:   "bind",
	Short: "Log accounts in and refresh their viewer-id and arena groups",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		_, env, err := setup(ctx)
		if err != nil {
			return err
		}
		defer env.Store.Close()

		return tasks.Run(ctx, env, "accounts_bind", nil)
	},
}
