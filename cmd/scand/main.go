package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zechsh/scan/internal/agent"
	"github.com/zechsh/scan/internal/app"
	"github.com/zechsh/scan/internal/classify"
	"github.com/zechsh/scan/internal/extract"
	"github.com/zechsh/scan/internal/fetch"
	"github.com/zechsh/scan/internal/kv"
	"github.com/zechsh/scan/internal/llm"
	"github.com/zechsh/scan/internal/robots"
	"github.com/zechsh/scan/internal/search"
	"github.com/zechsh/scan/internal/server"
	"github.com/zechsh/scan/internal/store"
	"github.com/zechsh/scan/internal/throttle"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func main() {
	var (
		envFile    string
		configFile string
		listen     string
		verbose    bool
	)
	flag.StringVar(&envFile, "env", ".env", "Path to a dotenv file loaded before reading configuration")
	flag.StringVar(&configFile, "config", os.Getenv("SCAN_CONFIG"), "Path to a YAML config file")
	flag.StringVar(&listen, "listen", "", "Listen address, e.g. :8080")
	flag.BoolVar(&verbose, "v", false, "Verbose (debug) logging")
	flag.Parse()

	if err := app.LoadEnvFiles(envFile); err != nil {
		log.Fatal().Err(err).Msg("load env file")
	}

	cfg := app.Defaults()
	if err := app.LoadConfigFile(&cfg, configFile); err != nil {
		log.Fatal().Err(err).Msg("load config file")
	}
	app.ApplyEnv(&cfg)
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if verbose {
		cfg.Verbose = true
	}

	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

func run(cfg app.Config) error {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	var kvStore kv.Store
	if cfg.KVDir != "" {
		b, err := kv.OpenBadger(cfg.KVDir)
		if err != nil {
			return err
		}
		kvStore = b
		log.Info().Str("dir", cfg.KVDir).Msg("using badger kv store")
	} else {
		kvStore = kv.NewMemory()
		log.Info().Msg("using in-process kv store")
	}
	defer kvStore.Close()

	provider := llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMAPIKey)

	robotsMgr := &robots.Manager{
		Store:     db,
		UserAgent: robots.UserAgent,
	}
	fetcher := &fetch.Fetcher{
		Robots:    robotsMgr,
		Cache:     &throttle.ResponseCache{KV: kvStore},
		Limiter:   throttle.NewLimiter(kvStore),
		Extractor: &extract.Extractor{Client: provider, Model: cfg.ExtractorModel},
		UserAgent: robots.UserAgent,
	}

	pipeline := &agent.Pipeline{
		Agent: &agent.Agent{
			LLM:     provider,
			Model:   cfg.AgentModel,
			Search:  &search.Brave{APIKey: cfg.SearchAPIKey, UserAgent: robots.UserAgent},
			Fetcher: fetcher,
		},
		Timeout: cfg.RunTimeout,
	}

	srv := &server.Server{
		Store:      db,
		Classifier: &classify.Classifier{Client: provider, Model: cfg.ClassifyModel},
		Pipeline:   pipeline,
		PublicURL:  cfg.PublicURL,
	}
	e := srv.NewEcho()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
