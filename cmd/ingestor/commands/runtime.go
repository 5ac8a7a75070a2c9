package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"ingestor/internal/batch"
	"ingestor/internal/config"
	fileutil "ingestor/internal/file"
	"ingestor/internal/lookup"
	"ingestor/internal/monitor"
	"ingestor/internal/notify"
	"ingestor/internal/processor"
	"ingestor/internal/retry"
	"ingestor/internal/storage"
	"ingestor/internal/validation"
)

// buildManager wires the engine from configuration. The manager is not
// started.
func buildManager(ctx context.Context, cfg config.Config) (*batch.Manager, error) {
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("ensure data dir %s: %w", cfg.DataDir, err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	objects := storage.NewLocal(filepath.Join(cfg.DataDir, "objects"))

	var proc processor.Processor = processor.NewExtractor(objects)
	if cfg.Processor.Kind == "http" {
		proc = processor.NewHTTP(cfg.Processor.Endpoint, cfg.Processor.Timeout)
	}

	var resolver *lookup.Resolver
	if len(cfg.Notebooks) > 0 {
		resolver = lookup.NewResolver(lookup.StaticDirectory(cfg.Notebooks), cfg.Lookup.Size, cfg.Lookup.TTL, cfg.Lookup.NegativeTTL)
	}

	publishers := notify.Multi{notify.LogPublisher{}}
	if cfg.Notify.SQSQueueURL != "" {
		sqsPub, err := notify.NewSQSPublisherFromEnv(ctx, cfg.Notify.SQSQueueURL)
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return nil, err
		}
		publishers = append(publishers, sqsPub)
	}

	admission := monitor.New(cfg.DataDir, monitor.Limits{
		MinFreeDisk:      uint64(cfg.Admission.MinFreeDiskMB) << 20,
		MaxCPUPercent:    cfg.Admission.MaxCPUPercent,
		MaxMemoryPercent: cfg.Admission.MaxMemoryPercent,
	}, nil, cfg.Admission.SampleTTL)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("store", cfg.Store.Driver).
		Str("processor", cfg.Processor.Kind).
		Int("workers", cfg.Engine.MaxConcurrentFiles).
		Int("notebooks", len(cfg.Notebooks)).
		Bool("sqs", cfg.Notify.SQSQueueURL != "").
		Msg("engine configured")

	return batch.NewManagerWithOptions(batch.Options{
		DataDir:            cfg.DataDir,
		MaxConcurrentFiles: cfg.Engine.MaxConcurrentFiles,
		MaxBatchFiles:      cfg.Engine.MaxBatchFiles,
		MaxFileSize:        cfg.Engine.MaxFileSize,
		MaxBatchSize:       cfg.Engine.MaxBatchSize,
		EventBuffer:        cfg.Engine.EventBuffer,
		ETASamples:         cfg.Engine.ETASamples,
		Retry: retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Multiplier: cfg.Retry.Multiplier,
		},
		Validation: validation.Options{
			AllowedExtensions: cfg.Validation.AllowedExtensions,
			BlockedExtensions: cfg.Validation.BlockedExtensions,
			SniffMIME:         cfg.Validation.SniffMIME,
			ScanContent:       cfg.Validation.ScanContent,
		},
		Store:     store,
		Storage:   objects,
		Processor: proc,
		Resolver:  resolver,
		Publisher: publishers,

		Admission:      admission,
		AdmissionRetry: cfg.Admission.RetryInterval,
	}), nil
}

// openStore returns nil for the memory driver so the manager keeps nothing.
func openStore(ctx context.Context, cfg config.Config) (batch.BatchStore, error) { //nolint:ireturn
	switch cfg.Store.Driver {
	case "memory":
		return nil, nil
	case batch.DriverSQLite:
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "ingestor.db")
		}
		return batch.OpenSQLStore(ctx, batch.DriverSQLite, dsn)
	case batch.DriverPostgres:
		return batch.OpenSQLStore(ctx, batch.DriverPostgres, cfg.Store.DSN)
	default:
		return batch.OpenFileStore(cfg.DataDir)
	}
}
