// Package main provides the relay binary: it follows a journal source and
// broadcasts translated paths to TCP clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/elitecast/internal/backlog"
	"github.com/cory-johannsen/elitecast/internal/broadcast"
	"github.com/cory-johannsen/elitecast/internal/config"
	"github.com/cory-johannsen/elitecast/internal/event"
	"github.com/cory-johannsen/elitecast/internal/journal"
	"github.com/cory-johannsen/elitecast/internal/natsource"
	"github.com/cory-johannsen/elitecast/internal/observability"
	"github.com/cory-johannsen/elitecast/internal/paths"
	"github.com/cory-johannsen/elitecast/internal/scripting"
	"github.com/cory-johannsen/elitecast/internal/server"
	"github.com/cory-johannsen/elitecast/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override broadcast.port (0 = use config)")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *port > 0 {
		cfg.Broadcast.Port = *port
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	metrics, err := observability.NewMetrics()
	if err != nil {
		logger.Fatal("creating metrics", zap.Error(err))
	}

	logger.Info("starting relay",
		zap.String("broadcast_addr", cfg.Broadcast.Addr(cfg.Broadcast.Port)),
		zap.String("source", cfg.Source.Kind),
		zap.String("translator", cfg.Translator.Kind),
	)

	var sink backlog.Sink
	if cfg.Backlog.Persist {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.SchemaReady(ctx); err != nil {
			logger.Fatal("checking event store schema", zap.Error(err))
		}
		sink = postgres.NewEventRepository(pool.DB())
		logger.Info("database connected", zap.Duration("elapsed", time.Since(dbStart)))
	}

	translator, closeTranslator, err := buildTranslator(cfg.Translator, logger)
	if err != nil {
		logger.Fatal("building translator", zap.Error(err))
	}
	defer closeTranslator()

	bus := event.NewBus()
	bl := backlog.New(cfg.Backlog, sink, logger, metrics)
	srv := broadcast.NewServer(cfg.Broadcast, bus, translator, bl, logger, metrics)

	source, closeSource, err := buildSource(cfg.Source, bus, logger)
	if err != nil {
		logger.Fatal("building event source", zap.Error(err))
	}
	defer closeSource()

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("recorder", server.NewRunService(bl.Run))
	lifecycle.Add("broadcast", &server.FuncService{
		StartFn: srv.ListenAndServe,
		StopFn:  srv.Stop,
	})
	lifecycle.Add("source", server.NewRunService(source))

	logger.Info("relay initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("relay exited with error", zap.Error(err))
	}
}

// buildTranslator returns the configured translator and a release function.
func buildTranslator(cfg config.TranslatorConfig, logger *zap.Logger) (paths.Translator, func(), error) {
	switch cfg.Kind {
	case config.TranslatorLua:
		engine, err := scripting.NewEngine(cfg.ScriptDir, cfg.InstructionLimit, logger)
		if err != nil {
			return nil, nil, err
		}
		tr, err := paths.NewLuaTranslator(engine)
		if err != nil {
			engine.Close()
			return nil, nil, err
		}
		return tr, engine.Close, nil
	default:
		rules := paths.DefaultRules()
		if cfg.RulesFile != "" {
			var err error
			if rules, err = paths.LoadRules(cfg.RulesFile); err != nil {
				return nil, nil, err
			}
		}
		return paths.NewFlattener(rules), func() {}, nil
	}
}

// buildSource returns the configured event source's run loop and a release function.
func buildSource(cfg config.SourceConfig, bus *event.Bus, logger *zap.Logger) (func(context.Context) error, func(), error) {
	switch cfg.Kind {
	case config.SourceNATS:
		src, err := natsource.Connect(cfg.NATS, bus, logger)
		if err != nil {
			return nil, nil, err
		}
		return src.Run, func() { _ = src.Close() }, nil
	case config.SourceJournal:
		return journal.NewTailer(cfg.Journal, bus, logger).Run, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
