package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/logging"
)

// Commands: up, down, version, force.
func main() {
	command := flag.String("command", "up", "up, down, version or force")
	steps := flag.Int("steps", 0, "number of steps for up/down (0 = all)")
	forceVersion := flag.Int("version", -1, "version to record with -command force")
	configDir := flag.String("config", "configs", "worker configuration directory; its database section supplies the DSN")
	dbURL := flag.String("db-url", "", "database URL (overrides config and DATABASE_URL)")
	migrationsPath := flag.String("path", "migrations", "path to migrations directory")
	flag.Parse()

	cfg := config.DefaultConfig()
	if err := config.LoadFile(filepath.Join(*configDir, "worker.yaml"), cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dsn := *dbURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		dsn = cfg.Database.DSN()
	}

	m, err := migrate.New("file://"+*migrationsPath, dsn)
	if err != nil {
		logger.Fatal("create migrator", zap.String("path", *migrationsPath), zap.Error(err))
	}
	defer m.Close()

	switch *command {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	case "force":
		// clears the dirty flag after a failed migration was repaired by hand
		if *forceVersion < 0 {
			logger.Fatal("force needs -version")
		}
		err = m.Force(*forceVersion)
	case "version":
	default:
		logger.Fatal("unknown command", zap.String("command", *command))
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("migration failed", zap.String("command", *command), zap.Error(err))
	}

	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logger.Fatal("read schema version", zap.Error(err))
	}
	logger.Info("schema version",
		zap.String("command", *command),
		zap.Uint("version", v),
		zap.Bool("dirty", dirty),
		zap.Bool("no_migrations_applied", errors.Is(err, migrate.ErrNilVersion)),
	)
}
