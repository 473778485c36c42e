// Package main runs the ytsum daemon: it attaches to the user's running
// Chrome over CDP, scrapes YouTube listing feeds into a cache, and serves
// summary requests through a bounded worker queue, all behind a local JSON
// HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/browser"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/config"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/listing"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/scraper"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/server"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/store"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/summarize"
)

const version = "0.1.0"

type cliFlags struct {
	configPath  string
	cdpEndpoint string
	listen      string
	debug       bool
	showVersion bool
}

func main() {
	flags := parseFlags()
	if flags.showVersion {
		fmt.Printf("ytsumd v%s\n", version)
		return
	}

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "ytsumd: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() *cliFlags {
	flags := &cliFlags{}
	flag.StringVar(&flags.configPath, "config", config.DefaultPath(), "Path to YAML config file")
	flag.StringVar(&flags.cdpEndpoint, "cdp", "", "Chrome remote debugging endpoint (overrides config)")
	flag.StringVar(&flags.listen, "listen", "", "HTTP bind address (overrides config)")
	flag.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&flags.showVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ytsumd - YouTube listing scraper and summarizer daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: ytsumd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nThe daemon attaches to an already-running Chrome. Start one with:\n")
		fmt.Fprintf(os.Stderr, "  google-chrome --remote-debugging-port=9222\n")
	}
	flag.Parse()
	return flags
}

func run(flags *cliFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.cdpEndpoint != "" {
		cfg.CDPEndpoint = flags.cdpEndpoint
	}
	if flags.listen != "" {
		cfg.Listen = flags.listen
	}
	if flags.debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		logging.SetLevel(logging.LevelDebug)
	}

	log, err := logging.NewLogger("ytsumd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ytsumd: file logging unavailable: %v\n", err)
	}
	defer log.Close()
	log.Infof("ytsumd v%s starting, run id %s", version, log.RunID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Browser session. A dead endpoint is not fatal at startup; requests
	// surface the remediation until Chrome comes up.
	sessions := browser.NewManager(cfg.CDPEndpoint, cfg.ProbeTimeout, log)
	if err := sessions.Connect(ctx); err != nil {
		log.Warnf("browser not reachable yet: %v", err)
		var connErr *core.ConnectionError
		if errors.As(err, &connErr) {
			fmt.Fprintf(os.Stderr, "ytsumd: %s\n", connErr.Remediation)
		}
	}

	scr := scraper.New(sessions, log)

	cache := listing.New(scr, listing.Options{
		TTL:               cfg.CacheTTL,
		ServeStaleOnError: cfg.ServeStaleOnError,
		FetchTimeout:      cfg.FetchTimeout,
		RedisURL:          cfg.RedisURL,
	}, log)

	// Durable summary archive. The daemon degrades to in-memory retention
	// when the database cannot be opened.
	var archive summarize.Archive
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Warnf("summary archive unavailable: %v", err)
	} else {
		archive = db
		defer db.Close()
		pctx, pcancel := context.WithTimeout(ctx, 10*time.Second)
		if pruned, err := db.Prune(pctx, cfg.RetentionAge); err != nil {
			log.Warnf("archive prune failed: %v", err)
		} else if pruned > 0 {
			log.Infof("archive: pruned %d expired summaries", pruned)
		}
		pcancel()
	}

	summarizer, err := summarize.NewSummarizer(cfg.OpenAIAPIKey, cfg.OpenAIBase, scr, log, summarize.WithModel(cfg.Model))
	if err != nil {
		return err
	}

	queue, err := summarize.NewQueue(summarizer, archive, summarize.QueueOptions{
		Workers:            cfg.Workers,
		Buffer:             cfg.QueueBuffer,
		JobTimeout:         cfg.JobTimeout,
		RetentionAge:       cfg.RetentionAge,
		RetentionMax:       cfg.RetentionMax,
		AllowedURLPatterns: cfg.AllowedURLPatterns,
		Model:              summarizer.Model(),
	}, log)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Listen, cache, queue, sessions, log)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}

	queue.Stop()
	scr.Close()
	// Detach only. The user's browser and its logged-in profile stay up.
	if err := sessions.Shutdown(); err != nil {
		log.Warnf("browser detach: %v", err)
	}

	log.Infof("ytsumd stopped")
	return nil
}
