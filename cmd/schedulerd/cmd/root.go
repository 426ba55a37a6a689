// Package cmd implements schedulerd's operator commands: a long-running
// serve daemon plus control-plane commands (list, pause, resume, run-now,
// set-cron) that act directly on the shared database, the same way an
// operator reaches into the control plane from a second process while the
// daemon keeps running.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskmesh/scheduler/src/cache"
	"github.com/taskmesh/scheduler/src/config"
	"github.com/taskmesh/scheduler/src/repository"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "schedulerd",
	Short: "Distributed, persistence-backed cron scheduler",
	Long: `schedulerd runs one node of a cluster-wide cron scheduler, electing a
single leader through a database-backed master lock and executing each
registered task's callback on whichever node currently holds it.`,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to schedulerd.yaml (default: none, built-in defaults apply)")
	flags.String("node-name", "", "override the node identity recorded against the master lock")
	flags.String("database-driver", "", "override the configured database driver")
	flags.String("database-dsn", "", "override the configured database DSN")

	viper.BindPFlag("config", flags.Lookup("config"))
	viper.BindPFlag("node.name", flags.Lookup("node-name"))
	viper.BindPFlag("database.driver", flags.Lookup("database-driver"))
	viper.BindPFlag("database.dsn", flags.Lookup("database-dsn"))
	viper.SetEnvPrefix("schedulerd")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the bound --config path (falling back to schedulerd's
// built-in defaults when unset or absent), then lets any of --node-name,
// --database-driver, --database-dsn (or their SCHEDULERD_-prefixed env
// equivalents, via viper.AutomaticEnv) take final precedence over both the
// file and config.Load's own environment overlay.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("node.name"); v != "" {
		cfg.Node.Name = v
	}
	if v := viper.GetString("database.driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("database.dsn"); v != "" {
		cfg.Database.DSN = v
	}
	return cfg, nil
}

// openRepository opens and migrates the database described by cfg,
// returning a ready-to-use Repository. Every subcommand that touches the
// control plane goes through this, whether or not a daemon is currently
// running against the same database.
func openRepository(cfg *config.Config) (repository.Repository, error) {
	db, driver, err := repository.Open(repository.Config{
		Driver:      cfg.Database.Driver,
		DSN:         cfg.Database.DSN,
		MaxOpen:     cfg.Database.MaxOpen,
		MaxIdle:     cfg.Database.MaxIdle,
		MaxLifetime: cfg.MaxLifetime(),
	})
	if err != nil {
		return nil, fmt.Errorf("schedulerd: %w", err)
	}

	if err := repository.NewMigrator(db, driver).Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schedulerd: migrate: %w", err)
	}

	sqlRepo := repository.NewSQLRepository(db, driver, repository.WithLockValidityWindow(cfg.LockValidityWindow()))

	if cfg.Cache.Backend == "" || cfg.Cache.Backend == "none" {
		return sqlRepo, nil
	}
	c, err := cache.New(&cache.Config{
		Backend:  cfg.Cache.Backend,
		Address:  cfg.Cache.Address,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		TTL:      cfg.Cache.TTL,
	})
	if err != nil {
		sqlRepo.Close()
		return nil, fmt.Errorf("schedulerd: open cache: %w", err)
	}
	return cache.NewCachedRepository(sqlRepo, c), nil
}
