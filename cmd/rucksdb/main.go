// Command rucksdb is a one-shot CLI over the engine package: each
// invocation opens the store, runs one subcommand, and closes it again.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/rucksdb/config"
	"github.com/INLOpen/rucksdb/engine"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet("rucksdb", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	partitionName := fs.String("partition", "", "partition name (default partition if empty)")
	cmd := os.Args[1]
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	opts, err := engine.FromConfig(cfg)
	if err != nil {
		logger.Error("translate configuration", "error", err)
		os.Exit(1)
	}
	opts.Logger = logger
	opts.TracerProvider = tp

	e, err := engine.Open(cfg.Engine.DataDir, opts, nil)
	if err != nil {
		logger.Error("open store", "dir", cfg.Engine.DataDir, "error", err)
		os.Exit(1)
	}
	defer e.Close()

	partitionID, err := resolvePartition(e, *partitionName)
	if err != nil {
		logger.Error("resolve partition", "name", *partitionName, "error", err)
		os.Exit(1)
	}

	if err := runCommand(e, partitionID, cmd, args); err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

// resolvePartition returns the default partition's ID when name is empty,
// otherwise looks name up by way of the engine's partition listing.
func resolvePartition(e *engine.Engine, name string) (uint32, error) {
	if name == "" {
		return 0, nil
	}
	for _, p := range e.ListPartitions() {
		if p.Name == name {
			return p.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown partition %q", name)
}

func runCommand(e *engine.Engine, partitionID uint32, cmd string, args []string) error {
	switch cmd {
	case "put":
		if len(args) != 2 {
			return fmt.Errorf("usage: rucksdb put <key> <value>")
		}
		return e.Put(partitionID, []byte(args[0]), []byte(args[1]), engine.WriteOptions{})
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: rucksdb get <key>")
		}
		v, err := e.Get(partitionID, []byte(args[0]), engine.ReadOptions{})
		if err != nil {
			return err
		}
		fmt.Println(string(v))
		return nil
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: rucksdb delete <key>")
		}
		return e.Delete(partitionID, []byte(args[0]), engine.WriteOptions{})
	case "scan":
		return scanCommand(e, partitionID, args)
	case "checkpoint":
		if len(args) != 1 {
			return fmt.Errorf("usage: rucksdb checkpoint <dest-dir>")
		}
		return e.Checkpoint(args[0])
	case "compact":
		var begin, end []byte
		if len(args) > 0 && args[0] != "" {
			begin = []byte(args[0])
		}
		if len(args) > 1 && args[1] != "" {
			end = []byte(args[1])
		}
		return e.CompactRange(partitionID, begin, end)
	case "stats":
		return statsCommand(e)
	case "property":
		if len(args) != 1 {
			return fmt.Errorf("usage: rucksdb property <name>")
		}
		v, err := e.GetProperty(partitionID, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case "create-partition":
		if len(args) != 1 {
			return fmt.Errorf("usage: rucksdb create-partition <name>")
		}
		id, err := e.CreatePartition(args[0], 0)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	case "drop-partition":
		if len(args) != 1 {
			return fmt.Errorf("usage: rucksdb drop-partition <name>")
		}
		id, err := resolvePartition(e, args[0])
		if err != nil {
			return err
		}
		return e.DropPartition(id)
	case "list-partitions":
		for _, p := range e.ListPartitions() {
			fmt.Printf("%d\t%s\n", p.ID, p.Name)
		}
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// scanCommand iterates [begin, end) (either bound may be empty for
// unbounded) and writes "key\tvalue" lines to stdout.
func scanCommand(e *engine.Engine, partitionID uint32, args []string) error {
	var begin, end string
	if len(args) > 0 {
		begin = args[0]
	}
	if len(args) > 1 {
		end = args[1]
	}

	it, err := e.NewIterator(partitionID, engine.ReadOptions{})
	if err != nil {
		return err
	}
	defer it.Close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	if begin == "" {
		it.SeekToFirst()
	} else {
		it.Seek([]byte(begin))
	}
	for ; it.Valid(); it.Next() {
		if end != "" && string(it.Key()) >= end {
			break
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func statsCommand(e *engine.Engine) error {
	s := e.StatisticsSnapshot()
	fmt.Printf("write_ops\t%d\n", s.WriteOps)
	fmt.Printf("read_ops\t%d\n", s.ReadOps)
	fmt.Printf("flush_runs\t%d\n", s.FlushRuns)
	fmt.Printf("compaction_runs\t%d\n", s.CompactionRuns)
	fmt.Printf("get_latency_p50_us\t%s\n", strconv.FormatFloat(s.GetLatencyP50Micros, 'f', 1, 64))
	fmt.Printf("get_latency_p99_us\t%s\n", strconv.FormatFloat(s.GetLatencyP99Micros, 'f', 1, 64))
	fmt.Printf("write_latency_p50_us\t%s\n", strconv.FormatFloat(s.WriteLatencyP50Micros, 'f', 1, 64))
	fmt.Printf("write_latency_p99_us\t%s\n", strconv.FormatFloat(s.WriteLatencyP99Micros, 'f', 1, 64))
	fmt.Printf("block_cache_hit_rate\t%s\n", strconv.FormatFloat(s.BlockCacheHitRate, 'f', 4, 64))
	fmt.Printf("table_cache_entries\t%d\n", s.TableCacheEntries)
	fmt.Printf("process_rss_bytes\t%d\n", s.ProcessRSSBytes)
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rucksdb [-config path] [-partition name] <command> [args...]

commands:
  put <key> <value>
  get <key>
  delete <key>
  scan [begin] [end]
  checkpoint <dest-dir>
  compact [begin] [end]
  stats
  property <name>
  create-partition <name>
  drop-partition <name>
  list-partitions`)
}

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})), closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// When tracing is disabled it returns a provider with no exporter, so spans
// are not sent anywhere. An unsupported protocol or a failure to create the
// exporter is returned as an error.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("distributed tracing is disabled")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("initializing distributed tracing", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("rucksdb")))
	if err != nil {
		return nil, nil, fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("shutting down tracer provider")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("shut down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}
