package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/querypilot/querypilot/internal/app"
	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/examplepack"
	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/retrieval"
	"github.com/querypilot/querypilot/internal/storage"
)

func main() {
	mode := flag.String("mode", "import", "import|export|list")
	source := flag.String("source", "", "pack to import: local path or s3:<key> (.yaml, .jsonl, .parquet)")
	target := flag.String("target", "", "export destination: local path or s3:<key>; empty writes a dated Parquet object")
	name := flag.String("name", "examples", "pack name used for dated exports and as the list filter (\"\" lists every pack)")
	flag.Parse()

	cfg, err := config.LoadFromEnv("querypilot-examples")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects := lazyObjectStore(cfg)
	if *mode == "list" {
		if err := runList(ctx, os.Stdout, objects, *name); err != nil {
			logger.Error("example pack command failed", slog.String("mode", *mode), slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if cfg.Examples.Backend != config.BackendPostgres {
		fmt.Fprintln(os.Stderr, "QUERYPILOT_EXAMPLES_BACKEND=postgres is required; the memory store does not outlive this process")
		os.Exit(1)
	}

	examples, err := app.OpenExamples(ctx, cfg.Examples)
	if err != nil {
		logger.Error("failed to open example store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = examples.Close() }()

	switch *mode {
	case "import":
		err = runImport(ctx, logger, examples.Store, objects, *source)
	case "export":
		err = runExport(ctx, logger, examples.Store, objects, *target, *name)
	default:
		err = fmt.Errorf("invalid mode: %s", *mode)
	}
	if err != nil {
		logger.Error("example pack command failed", slog.String("mode", *mode), slog.Any("error", err))
		os.Exit(1)
	}
}

type objectStoreFunc func(context.Context) (examplepack.ListStore, error)

func lazyObjectStore(cfg config.Config) objectStoreFunc {
	return func(ctx context.Context) (examplepack.ListStore, error) {
		store, err := app.OpenObjectStore(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func runList(ctx context.Context, out io.Writer, objects objectStoreFunc, name string) error {
	store, err := objects(ctx)
	if err != nil {
		return err
	}
	packs, err := examplepack.List(ctx, store, name)
	if err != nil {
		return err
	}
	for _, pack := range packs {
		count := "?"
		if pack.Examples >= 0 {
			count = strconv.Itoa(pack.Examples)
		}
		fmt.Fprintf(out, "%s\t%s\t%s examples\t%d bytes\t%s\n",
			pack.Location, pack.Format, count, pack.Size, pack.LastModified.UTC().Format(time.RFC3339))
	}
	return nil
}

func runImport(ctx context.Context, logger *slog.Logger, store app.ExampleStore, objects objectStoreFunc, source string) error {
	loc, err := storage.ParseLocation(source)
	if err != nil {
		return fmt.Errorf("-source: %w", err)
	}
	var objectStore storage.ObjectStore
	if loc.Remote {
		if objectStore, err = objects(ctx); err != nil {
			return err
		}
	}
	pack, err := examplepack.Load(ctx, loc, objectStore)
	if err != nil {
		return err
	}
	stats, err := examplepack.Import(ctx, pack, retrieval.NewSaver(store))
	if err != nil {
		return err
	}
	logger.Info("imported example pack",
		slog.String("source", loc.String()),
		slog.Int("read", stats.Read),
		slog.Int("added", stats.Added),
		slog.Int("skipped", stats.Skipped),
		slog.Int("invalid", stats.Invalid),
	)
	return nil
}

func runExport(ctx context.Context, logger *slog.Logger, store app.ExampleStore, objects objectStoreFunc, target, name string) error {
	all, err := examplepack.Dump(ctx, store)
	if err != nil {
		return err
	}

	var (
		loc  storage.Location
		size int64
	)
	if target == "" {
		objectStore, err := objects(ctx)
		if err != nil {
			return err
		}
		loc, size, err = examplepack.Export(ctx, objectStore, name, all, time.Now())
		if err != nil {
			return err
		}
	} else {
		loc, err = storage.ParseLocation(target)
		if err != nil {
			return fmt.Errorf("-target: %w", err)
		}
		var objectStore storage.ObjectStore
		if loc.Remote {
			if objectStore, err = objects(ctx); err != nil {
				return err
			}
		}
		if size, err = examplepack.Write(ctx, loc, objectStore, all); err != nil {
			return err
		}
	}
	logger.Info("exported example pack",
		slog.String("target", loc.String()),
		slog.Int("examples", len(all)),
		slog.Int64("bytes", size),
	)
	return nil
}
