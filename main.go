package main

import (
	"context"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"beefy-importer/internal/config"
	"beefy-importer/internal/monitor"
	"beefy-importer/internal/pipeline"
	"beefy-importer/internal/repository"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	schemaPath := flag.String("schema", "schema.sql", "path to schema file")
	logLevel := flag.String("log-level", "info", "zerolog level")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	flag.Parse()

	log := newLogger(*logLevel, *pretty)
	log.Info().Str("commit", BuildCommit).Msg("starting beefy importer")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().
		Str("db", redactDatabaseURL(cfg.DatabaseURL)).
		Int("chains", len(cfg.RPCURLs)).
		Int("monitor_port", cfg.MonitorPort).
		Msg("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewRepository(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer repo.Close()

	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Info().Msg("database migration skipped (SKIP_MIGRATION=true)")
	} else {
		log.Info().Str("schema", *schemaPath).Msg("running database migration")
		if err := repo.Migrate(ctx, *schemaPath); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
	}

	manager, err := pipeline.NewManager(ctx, cfg, repo, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build pipeline manager")
	}
	defer manager.Close()

	mon := monitor.NewServer(repo, cfg.MonitorPort, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("importer stopped")
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Query params can carry secrets too; keep only scheme/host/path.
		u.RawQuery = ""
		return u.String()
	}

	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)(\S+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
