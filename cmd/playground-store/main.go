// Command playground-store runs the notebook playground storage engine,
// either as an HTTP command server or as one-shot maintenance commands.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/playground-store/cache"
	"github.com/wolfeidau/playground-store/engine"
	"github.com/wolfeidau/playground-store/quota"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	DB         string `help:"Database file. Empty runs in memory." default:"./playground.db" env:"PLAYGROUND_DB"`
	ArchiveDir string `help:"Directory for stored backup archives." env:"PLAYGROUND_ARCHIVE_DIR" type:"path"`
	NoSync     bool   `help:"Skip fsync after each commit." env:"PLAYGROUND_NO_SYNC"`
	MaxBytes   uint64 `help:"Hard limit on stored bytes (0 for none)." env:"PLAYGROUND_MAX_BYTES"`
	QuotaBytes uint64 `help:"Fixed storage quota in bytes. Zero uses the filesystem capacity." env:"PLAYGROUND_QUOTA_BYTES"`

	CacheMaxSize    uint64        `help:"Maximum cached payload bytes (0 for no cache limit)." default:"524288000" env:"PLAYGROUND_CACHE_MAX_SIZE"`
	CacheMinEntries int           `help:"Eviction never goes below this many entries." default:"5" env:"PLAYGROUND_CACHE_MIN_ENTRIES"`
	CacheMaxAge     time.Duration `help:"Remove entries not accessed for this long (0 to disable)." default:"720h" env:"PLAYGROUND_CACHE_MAX_AGE"`
	Freshness       time.Duration `help:"Freshness window for entries without a validator." default:"24h" env:"PLAYGROUND_FRESHNESS"`
	FreshnessRule   []string      `help:"Per-key freshness window as pattern=duration. Repeatable; first match wins." env:"PLAYGROUND_FRESHNESS_RULES" sep:"none"`
	WarnThreshold   float64       `help:"Usage fraction that raises a quota warning." default:"0.8" env:"PLAYGROUND_WARN_THRESHOLD"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"PLAYGROUND_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"PLAYGROUND_LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`

	logger *slog.Logger `kong:"-"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Serve the command endpoint over HTTP." default:"withargs"`
	Exec    ExecCmd    `cmd:"" help:"Run one JSON command and print the resulting event."`
	Stats   StatsCmd   `cmd:"" help:"Print cache statistics and quota usage."`
	Cleanup CleanupCmd `cmd:"" help:"Evict least recently used entries or run a janitor pass."`
	Backup  BackupCmd  `cmd:"" help:"Export, import and manage backup archives."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("playground-store"),
		kong.Description("Durable client-side storage for notebooks, cached datasets, preferences and secrets."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "/etc/playground-store.json", "~/.config/playground-store.json"),
		kong.Vars{"version": version},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	cli.logger = logger
	slog.SetDefault(logger)

	err = kctx.Run(&cli.Globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(w io.Writer, levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.DateTime})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// engineConfig maps the global flags onto an engine configuration.
func (g *Globals) engineConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	cfg.Path = g.DB
	cfg.NoSync = g.NoSync
	cfg.MaxBytes = g.MaxBytes
	cfg.ArchiveDir = g.ArchiveDir
	cfg.WarnThreshold = g.WarnThreshold
	cfg.Logger = g.logger

	cfg.Cache = cache.DefaultConfig()
	cfg.Cache.MaxSize = g.CacheMaxSize
	cfg.Cache.MinEntries = g.CacheMinEntries
	cfg.Cache.MaxAge = g.CacheMaxAge
	cfg.Cache.Logger = g.logger
	cfg.Cache.Policy.Default = g.Freshness
	for _, def := range g.FreshnessRule {
		rule, err := cache.ParseRule(def)
		if err != nil {
			return engine.Config{}, err
		}
		cfg.Cache.Policy.Rules = append(cfg.Cache.Policy.Rules, rule)
	}

	if g.QuotaBytes > 0 {
		cfg.Quota = quota.Fixed{Total: g.QuotaBytes}
	}
	return cfg, nil
}

func (g *Globals) open(ctx context.Context) (*engine.Engine, error) {
	cfg, err := g.engineConfig()
	if err != nil {
		return nil, err
	}
	eng, err := engine.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return eng, nil
}
