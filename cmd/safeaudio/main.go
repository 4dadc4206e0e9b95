package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"safeaudio/pkg/audio"
	"safeaudio/pkg/cache"
	"safeaudio/pkg/config"
	"safeaudio/pkg/db"
	"safeaudio/pkg/logging"
	"safeaudio/pkg/network"
	"safeaudio/pkg/player"
	"safeaudio/pkg/preload"
	"safeaudio/pkg/probe"
	"safeaudio/pkg/request"
	"safeaudio/pkg/speech"
	"safeaudio/pkg/speech/espeak"
	"safeaudio/pkg/speech/mockspeech"
	"safeaudio/pkg/speech/sapi"
	"safeaudio/pkg/tracker"
	"safeaudio/pkg/version"
)

var (
	configPath = flag.String("config", "configs/safeaudio.yaml", "Path to the config file")
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
	clipURL    = flag.String("url", "", "Remote audio clip to play")
	text       = flag.String("text", "", "Text spoken when the clip cannot be played")
	accent     = flag.String("accent", "", "Speech accent: US, GB, AU, IN (default from config)")
	preloads   = flag.String("preload", "", "Comma-separated clip URLs to fetch before playing")
)

type playRequest struct {
	URL      string
	Text     string
	Accent   string
	Preloads []string
}

func main() {
	flag.Parse()

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Config file generated: %s\n", *configPath)
		return
	}

	req := playRequest{
		URL:      strings.TrimSpace(*clipURL),
		Text:     *text,
		Accent:   *accent,
		Preloads: splitList(*preloads),
	}
	if req.URL == "" && strings.TrimSpace(req.Text) == "" && len(req.Preloads) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to do: pass -url, -text or -preload")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, req); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, req playRequest) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read .env: %w", err)
	}

	appCfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&appCfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("SafeAudio Started", "version", version.Version)

	tr := tracker.New()
	reqClient := request.New(tr, request.ClientConfig{
		Timeout:     time.Duration(appCfg.Request.Timeout),
		UserAgent:   appCfg.Request.UserAgent,
		RatePerHost: appCfg.Request.RatePerHost,
		Burst:       appCfg.Request.Burst,
		MaxBytes:    int64(appCfg.Preload.MaxBytes),
	})

	netStore := initNetwork(ctx, appCfg.Network, reqClient)

	var persist cache.Cacher
	if appCfg.Preload.Persist {
		dbConn, err := initDB(appCfg.DB)
		if err != nil {
			return err
		}
		defer dbConn.Close()
		persist = cache.NewSQLiteCache(dbConn)
	}

	preloader := preload.New(reqClient, preload.Options{
		Backoff: preload.Backoff{
			BaseDelay:  time.Duration(appCfg.Preload.BaseDelay),
			MaxDelay:   time.Duration(appCfg.Preload.MaxDelay),
			MaxRetries: appCfg.Preload.MaxRetries,
		},
		Concurrency: appCfg.Preload.Concurrency,
		Network:     netStore,
		Persist:     persist,
		Tracker:     tr,
	})
	defer preloader.Close()

	sink := audio.DefaultSink()
	synth, validate := newSynthesizer(appCfg.Speech, sink)

	// Startup Probes
	probes := []probe.Probe{{
		Name:  "Speech Engine",
		Check: validate,
	}}
	if appCfg.Network.ProbeURL != "" {
		probes = append(probes, probe.Probe{
			Name:    "Connectivity",
			Check:   func(ctx context.Context) error { return reqClient.Head(ctx, appCfg.Network.ProbeURL) },
			Timeout: time.Duration(appCfg.Network.Timeout),
		})
	}
	if err := probe.AnalyzeResults(probe.Run(ctx, probes)); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	if len(req.Preloads) > 0 {
		preloadAll(ctx, preloader, req.Preloads)
	}

	if req.URL != "" || strings.TrimSpace(req.Text) != "" {
		if err := play(ctx, appCfg, req, player.Options{
			Elements: audio.NewBackend(sink, reqClient, preloader),
			Speech:   speech.NewAdapter(synth),
			Network:  netStore,
			Preloads: preloader,
			Tracker:  tr,
		}); err != nil {
			logStats(tr)
			return err
		}
	}

	logStats(tr)
	return nil
}

func initDB(cfg config.DBConfig) (*db.DB, error) {
	dbConn, err := db.Init(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.Retention <= 0 {
		return dbConn, nil
	}
	if n, err := dbConn.PruneCache(time.Duration(cfg.Retention)); err != nil {
		slog.Warn("Cache: prune failed", "error", err)
	} else if n > 0 {
		slog.Info("Cache: pruned stale clips", "count", n)
	}
	return dbConn, nil
}

// initNetwork returns a store driven by the probe monitor, or a permanently online store
// when no probe URL is configured.
func initNetwork(ctx context.Context, cfg config.NetworkConfig, checker network.Checker) *network.Store {
	if cfg.ProbeURL == "" {
		slog.Info("Network: no probe url configured, assuming online")
		return network.NewDegraded()
	}
	st := network.NewStore()
	mon := network.NewMonitor(st, checker, network.MonitorConfig{
		ProbeURL:         cfg.ProbeURL,
		Interval:         time.Duration(cfg.Interval),
		Timeout:          time.Duration(cfg.Timeout),
		FailureThreshold: cfg.FailureThreshold,
	})
	go mon.Run(ctx)
	return st
}

// newSynthesizer picks the speech engine. A nil synthesizer means speech is unsupported.
func newSynthesizer(cfg config.SpeechConfig, sink audio.Sink) (speech.Synthesizer, probe.CheckFunc) {
	switch strings.ToLower(cfg.Engine) {
	case "espeak":
		wpm := int(float64(cfg.WordsPerMinute) * cfg.Rate)
		s := espeak.New(espeak.Config{Binary: cfg.EspeakBinary, WordsPerMinute: wpm}, sink)
		return s, s.Validate
	case "windows-sapi":
		s := sapi.New(sink, "")
		return s, func(ctx context.Context) error {
			_, err := s.Voices(ctx)
			return err
		}
	case "mock":
		return mockspeech.New(mockspeech.Config{WordsPerMinute: cfg.WordsPerMinute}), func(context.Context) error { return nil }
	default:
		engine := cfg.Engine
		return nil, func(context.Context) error {
			return fmt.Errorf("speech engine %q: %w", engine, speech.ErrUnsupported)
		}
	}
}

func preloadAll(ctx context.Context, p *preload.Preloader, urls []string) {
	start := time.Now()
	p.PreloadMany(ctx, urls)

	for _, e := range p.Entries() {
		if e.Status == preload.StatusReady {
			slog.Info("Preload: ready", "url", e.URL, "size", humanize.Bytes(uint64(e.Size)), "attempts", e.Attempts)
			continue
		}
		slog.Warn("Preload: not ready", "url", e.URL, "status", e.Status, "retries", e.Retries, "retry_pending", e.RetryPending, "error", e.Err)
	}
	slog.Info("Preload: batch finished", "count", len(urls), "elapsed", time.Since(start).Round(time.Millisecond))
}

func play(ctx context.Context, cfg *config.Config, req playRequest, opts player.Options) error {
	ended := make(chan struct{}, 1)
	failed := make(chan string, 1)

	opts.LoadTimeout = time.Duration(cfg.Player.LoadTimeout)
	opts.Volume = cfg.Player.Volume
	opts.Callbacks = player.Callbacks{
		OnEnded: func() {
			select {
			case ended <- struct{}{}:
			default:
			}
		},
		OnError: func(reason string) {
			select {
			case failed <- reason:
			default:
			}
		},
		OnFallbackUsed: func() {
			slog.Warn("Player: clip unavailable, reading the text aloud", "url", req.URL)
		},
		OnStateChange: func(s player.Session) {
			logging.TraceDefault("Player: session", "state", s.State, "speech", s.Speech, "duration", s.Duration)
		},
	}

	engine := player.New(opts)
	defer engine.Close()

	acc := req.Accent
	if acc == "" {
		acc = cfg.Player.DefaultAccent
	}
	engine.SetSource(player.Source{
		RemoteURL:    req.URL,
		FallbackText: req.Text,
		Accent:       speech.ParseAccent(acc),
		AutoPlay:     cfg.Player.AutoPlay,
	})
	if !cfg.Player.AutoPlay {
		engine.Play()
	}

	select {
	case <-ended:
		s := engine.Snapshot()
		slog.Info("Player: finished", "fallback", s.UsingFallback, "duration", s.Duration.Round(time.Millisecond))
		return nil
	case reason := <-failed:
		return errors.New(reason)
	case <-ctx.Done():
		slog.Info("Player: interrupted")
		return nil
	}
}

func logStats(tr *tracker.Tracker) {
	stats := tr.Snapshot()
	sources := make([]string, 0, len(stats))
	for src := range stats {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		s := stats[src]
		slog.Info("Tracker: source stats",
			"source", src,
			"fetched", s.FetchSuccess,
			"failed", s.FetchFailures,
			"bytes", humanize.Bytes(uint64(s.BytesFetched)),
			"cache_hits", s.CacheHits,
			"cache_misses", s.CacheMisses,
			"fallbacks", s.Fallbacks,
		)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
