// migrate applies the session_results schema the result worker writes to.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

// migrator is the part of *migrate.Migrate the commands drive.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
}

type command struct {
	name string
	n    int
}

func main() {
	var migrationDir string
	flag.StringVar(&migrationDir, "path", "migrations", "Path to migration files")
	flag.Usage = printUsage
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.AppName+"-migrate", cfg.LogLevel, cfg.LogFormat)

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		log.Error().Err(err).Msg("Invalid command")
		printUsage()
		os.Exit(2)
	}

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationDir), cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("path", migrationDir).Msg("Migration failed to initialize")
	}
	defer m.Close()

	if err := run(m, cmd, log); err != nil {
		log.Fatal().Err(err).Str("command", cmd.name).Msg("Migration failed")
	}
}

func parseCommand(args []string) (command, error) {
	if len(args) < 1 {
		return command{}, errors.New("missing command")
	}
	cmd := command{name: args[0]}
	switch cmd.name {
	case "up", "reset", "version":
		return cmd, nil
	case "down":
		cmd.n = 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return command{}, fmt.Errorf("down takes a positive step count, got %q", args[1])
			}
			cmd.n = n
		}
		return cmd, nil
	case "steps", "force":
		if len(args) < 2 {
			return command{}, fmt.Errorf("%s requires a number", cmd.name)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return command{}, fmt.Errorf("invalid number %q: %w", args[1], err)
		}
		if cmd.name == "steps" && n == 0 {
			return command{}, errors.New("steps must not be zero")
		}
		cmd.n = n
		return cmd, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}
}

func run(m migrator, cmd command, log zerolog.Logger) error {
	var err error
	switch cmd.name {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-cmd.n)
	case "steps":
		err = m.Steps(cmd.n)
	case "reset":
		err = m.Down()
	case "force":
		err = m.Force(cmd.n)
	case "version":
		version, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			log.Info().Msg("No migrations applied")
			return nil
		}
		if verr != nil {
			return verr
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Schema version")
		return nil
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Str("command", cmd.name).Msg("Nothing to migrate")
		return nil
	}
	if err != nil {
		return err
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return verr
	}
	log.Info().
		Str("command", cmd.name).
		Uint("version", version).
		Bool("dirty", dirty).
		Msg("Migration complete")
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up             apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down [n]       roll back n migrations (default 1)")
	fmt.Fprintln(os.Stderr, "  steps <n>      apply (n > 0) or roll back (n < 0) n migrations")
	fmt.Fprintln(os.Stderr, "  reset          roll back every migration")
	fmt.Fprintln(os.Stderr, "  version        print the schema version")
	fmt.Fprintln(os.Stderr, "  force <v>      set the version without running migrations")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}
