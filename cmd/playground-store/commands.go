package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/wolfeidau/playground-store/engine"
	"github.com/wolfeidau/playground-store/server"
	"github.com/wolfeidau/playground-store/telemetry"
)

// ServeCmd serves the command endpoint.
type ServeCmd struct {
	Address        string `help:"Address to listen on." default:":8080" env:"PLAYGROUND_ADDRESS"`
	AuthToken      string `help:"Bearer token required on every request except /health and /metrics." env:"PLAYGROUND_AUTH_TOKEN"`
	MaxConnections int    `help:"Maximum concurrent connections (0 for no cap)." env:"PLAYGROUND_MAX_CONNECTIONS"`
	MaxBodyBytes   int64  `help:"Maximum command body size in bytes." default:"67108864" env:"PLAYGROUND_MAX_BODY_BYTES"`
	Janitor        bool   `help:"Run the background expiry and trim loop." default:"true" negatable:"" env:"PLAYGROUND_JANITOR"`

	Prometheus   bool          `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"PLAYGROUND_PROMETHEUS"`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	FlushEvery   time.Duration `help:"Metrics export interval." default:"10s" env:"PLAYGROUND_METRICS_FLUSH"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "playground-store",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
		FlushInterval:    c.FlushEvery,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			g.logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	cfg, err := g.engineConfig()
	if err != nil {
		return err
	}
	cfg.Janitor = c.Janitor
	eng, err := engine.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			g.logger.Error("closing store", "error", err)
		}
	}()

	go logEvents(ctx, g.logger, eng.Events())

	srv := server.New(server.Config{
		Address:        c.Address,
		AuthToken:      c.AuthToken,
		MaxConnections: c.MaxConnections,
		MaxBodyBytes:   c.MaxBodyBytes,
		Logger:         g.logger,
	}, eng)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	g.logger.Info("server started",
		"address", srv.Address(),
		"durable", eng.Durable(),
		"commands_url", fmt.Sprintf("http://localhost%s/v1/commands", srv.Address()),
	)

	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// logEvents logs events the engine publishes outside a command reply.
func logEvents(ctx context.Context, logger *slog.Logger, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			logger.Warn("engine event", "type", evt.Type, "payload", evt.Payload)
		}
	}
}

// ExecCmd runs one command envelope.
type ExecCmd struct {
	Command string `arg:"" optional:"" help:"Command JSON, or - to read it from stdin." default:"-"`
}

func (c *ExecCmd) Run(ctx context.Context, g *Globals) error {
	raw := []byte(c.Command)
	if c.Command == "-" {
		var err error
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading command: %w", err)
		}
	}

	eng, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	out := eng.ExecuteJSON(ctx, raw)
	fmt.Println(string(out))

	var evt struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(out, &evt); err == nil && evt.Type == engine.EvtError {
		return errors.New("command failed")
	}
	return nil
}

// StatsCmd prints cache statistics and quota usage.
type StatsCmd struct{}

func (c *StatsCmd) Run(ctx context.Context, g *Globals) error {
	eng, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	stats, err := eng.Cache().Stats(ctx)
	if err != nil {
		return err
	}
	est, err := eng.Quota().Estimate(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"durable": eng.Durable(),
		"cache":   stats,
		"quota":   est,
	})
}

// CleanupCmd frees cache space.
type CleanupCmd struct {
	Target uint64 `help:"Evict least recently used entries until the cache is at or below this many bytes. Zero runs one janitor pass instead."`
}

func (c *CleanupCmd) Run(ctx context.Context, g *Globals) error {
	eng, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if c.Target == 0 {
		return printJSON(eng.Janitor().RunOnce(ctx))
	}
	result, err := eng.Cache().Cleanup(ctx, c.Target)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// BackupCmd groups backup archive commands.
type BackupCmd struct {
	Export BackupExportCmd `cmd:"" help:"Write a backup archive to a file."`
	Import BackupImportCmd `cmd:"" help:"Restore a backup archive from a file."`
	Save   BackupSaveCmd   `cmd:"" help:"Store a backup archive in the archive directory."`
	Load   BackupLoadCmd   `cmd:"" help:"Restore a stored backup archive."`
	List   BackupListCmd   `cmd:"" help:"List stored backup archives."`
}

type BackupExportCmd struct {
	Output string `arg:"" help:"Output file, or - for stdout." type:"path"`
}

func (c *BackupExportCmd) Run(ctx context.Context, g *Globals) error {
	eng, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	data, err := eng.Backup().Export(ctx)
	if err != nil {
		return err
	}
	if c.Output == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(c.Output, data, 0o600); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	g.logger.Info("exported archive", "path", c.Output, "bytes", len(data))
	return nil
}

type BackupImportCmd struct {
	Input string `arg:"" help:"Archive file, or - for stdin." type:"path"`
}

func (c *BackupImportCmd) Run(ctx context.Context, g *Globals) error {
	var (
		data []byte
		err  error
	)
	if c.Input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(c.Input)
	}
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}

	eng, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	result, err := eng.Backup().Import(ctx, data)
	if err != nil {
		return err
	}
	return printJSON(result)
}

type BackupSaveCmd struct {
	Name string `arg:"" optional:"" help:"Archive name. Defaults to a timestamped name."`
}

func (c *BackupSaveCmd) Run(ctx context.Context, g *Globals) error {
	if g.ArchiveDir == "" {
		return errors.New("--archive-dir is required")
	}
	name := c.Name
	if name == "" {
		name = "backup-" + time.Now().UTC().Format("20060102T150405Z") + ".psa"
	}

	eng, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	info, err := eng.Backup().Save(ctx, name)
	if err != nil {
		return err
	}
	return printJSON(info)
}

type BackupLoadCmd struct {
	Name string `arg:"" help:"Archive name."`
}

func (c *BackupLoadCmd) Run(ctx context.Context, g *Globals) error {
	if g.ArchiveDir == "" {
		return errors.New("--archive-dir is required")
	}
	eng, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	result, err := eng.Backup().Load(ctx, c.Name)
	if err != nil {
		return err
	}
	return printJSON(result)
}

type BackupListCmd struct{}

func (c *BackupListCmd) Run(ctx context.Context, g *Globals) error {
	eng, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	archives, err := eng.Backup().List(ctx)
	if err != nil {
		return err
	}
	return printJSON(archives)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
