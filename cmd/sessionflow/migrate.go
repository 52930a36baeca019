package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/sessionflow/config"
	"github.com/BaSui01/sessionflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateOpts 聚合各子命令共用的连接参数：显式 --db-type/--db-url 优先，
// 否则回退到配置文件里的 database 段。
type migrateOpts struct {
	configPath string
	dbType     string
	dbURL      string
}

// bind registers the shared flags on fs. Every subcommand accepts the same
// three options, so the binding lives in one place.
func (o *migrateOpts) bind(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "Path to config file")
	fs.StringVar(&o.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&o.dbURL, "db-url", "", "Database connection URL")
}

// newMigrator builds a migrator from the parsed options.
func (o *migrateOpts) newMigrator() (*migration.DefaultMigrator, error) {
	if o.dbType != "" && o.dbURL != "" {
		return migration.NewMigratorFromURL(o.dbType, o.dbURL)
	}

	loader := config.NewLoader()
	if o.configPath != "" {
		loader = loader.WithConfigPath(o.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.dbType != "" {
		cfg.Database.Driver = o.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		runMigrateCLI("migrate up", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunUp(ctx)
		})
	case "down":
		runMigrateDown(subargs)
	case "status":
		runMigrateCLI("migrate status", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunStatus(ctx)
		})
	case "version":
		runMigrateCLI("migrate version", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunVersion(ctx)
		})
	case "goto":
		runMigrateGoto(subargs)
	case "force":
		runMigrateForce(subargs)
	case "reset":
		runMigrateCLI("migrate reset", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunDownAll(ctx)
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  sessionflow migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all rolls back everything)
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  sessionflow migrate up
  sessionflow migrate up --config /etc/sessionflow/config.yaml
  sessionflow migrate down
  sessionflow migrate status
  sessionflow migrate goto 1
  sessionflow migrate force 0
  sessionflow migrate reset`)
}

// runMigrateCLI parses the shared flags, builds a migrator, and hands a CLI
// to the given runner. Subcommands without extra arguments all go through
// here.
func runMigrateCLI(name string, args []string, run func(context.Context, *migration.CLI) error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	var opts migrateOpts
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	migrator, err := opts.newMigrator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := run(context.Background(), migration.NewCLI(migrator)); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateDown rolls back the last migration, or all of them with --all.
func runMigrateDown(args []string) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	all := fs.Bool("all", false, "Rollback all migrations")
	var opts migrateOpts
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	migrator, err := opts.newMigrator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	ctx := context.Background()

	if *all {
		err = cli.RunDownAll(ctx)
	} else {
		err = cli.RunDown(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration rollback failed: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateGoto migrates to a specific version
func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: sessionflow migrate goto <version>\n")
		os.Exit(1)
	}

	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	runMigrateCLI("migrate goto", args[1:], func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunGoto(ctx, uint(version))
	})
}

// runMigrateForce forces the migration version
func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: sessionflow migrate force <version>\n")
		os.Exit(1)
	}

	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	runMigrateCLI("migrate force", args[1:], func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunForce(ctx, int(version))
	})
}
