package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/cchc/docsync/internal/ai"
	"github.com/cchc/docsync/internal/backend"
	"github.com/cchc/docsync/internal/config"
	"github.com/cchc/docsync/internal/db"
	"github.com/cchc/docsync/internal/embedcache"
	"github.com/cchc/docsync/internal/filestore"
	"github.com/cchc/docsync/internal/job"
	"github.com/cchc/docsync/internal/notify"
	"github.com/cchc/docsync/internal/schedule"
	"github.com/cchc/docsync/internal/service"
	"github.com/cchc/docsync/internal/vector"
)

type app struct {
	cfg      *config.Config
	db       *sql.DB
	client   *backend.Client
	embedder ai.IEmbedder
	docs     *service.DocumentService
	ingest   *service.IngestService
}

func newApp(configPath string) (*app, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

	database, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	client, err := backend.NewClient(backend.Config{
		BaseURL:          cfg.Backend.BaseURL,
		AuthURL:          cfg.Backend.AuthURL,
		Username:         cfg.Backend.Username,
		Password:         cfg.Backend.Password,
		RefreshThreshold: int64(cfg.Backend.RefreshThreshold),
		TimeoutSeconds:   cfg.Backend.TimeoutSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("init backend client: %w", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	notifier := notify.NewNotifier(notify.LogObserver{})
	docs := service.NewDocumentService(database,
		service.WithHashChecker(client),
		service.WithNotifier(notifier),
		service.WithHashCheckFailClosed(cfg.Sync.HashCheckFailClosed),
	)

	chunker := ai.NewChunker(cfg.Chunker.ChunkSize)
	ingestOpts := []service.IngestServiceOption{}
	if embedder != nil {
		ingestOpts = append(ingestOpts, service.WithEmbedder(embedder))
	}
	if cfg.ArtifactStore.Data != nil {
		store, err := filestore.New(cfg.ArtifactStore)
		if err != nil {
			return nil, fmt.Errorf("init artifact store: %w", err)
		}
		ingestOpts = append(ingestOpts, service.WithArtifactStore(store))
	}
	ingest := service.NewIngestService(docs, chunker, cfg.Ingest.OutputDir, ingestOpts...)

	return &app{
		cfg:      cfg,
		db:       database,
		client:   client,
		embedder: embedder,
		docs:     docs,
		ingest:   ingest,
	}, nil
}

func buildEmbedder(cfg *config.Config) (ai.IEmbedder, error) {
	args := cfg.Embed.Data
	if args == nil {
		args = map[string]interface{}{}
	}
	provider, err := ai.NewEmbedProvider(cfg.Embed.Provider, args)
	if err != nil {
		return nil, fmt.Errorf("init embed provider: %w", err)
	}
	embedder := ai.NewEmbedder(provider, cfg.Embed.Model)
	if cfg.Embed.CacheSize > 0 {
		ttl := time.Duration(cfg.Embed.CacheTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}
		embedder = embedcache.WrapLruCacheToEmbedder(embedder, cfg.Embed.CacheSize, ttl)
	}
	return embedder, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// vectorClient builds the index client lazily: only commands that touch the
// index pay for (and require) index provisioning.
func (a *app) vectorClient(ctx context.Context) (*vector.PineconeClient, error) {
	return vector.NewPineconeClient(ctx, vector.Config{
		APIKey:     a.cfg.Vector.APIKey,
		IndexName:  a.cfg.Vector.IndexName,
		Dimension:  a.cfg.Vector.Dimension,
		Metric:     a.cfg.Vector.Metric,
		Cloud:      a.cfg.Vector.Cloud,
		Region:     a.cfg.Vector.Region,
		BatchSize:  a.cfg.Vector.BatchSize,
		ControlURL: a.cfg.Vector.ControlURL,
	}, a.embedder)
}

func (a *app) syncService(ctx context.Context) (*service.SyncService, error) {
	opts := []service.SyncServiceOption{}
	if a.cfg.Vector.APIKey != "" {
		index, err := a.vectorClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init vector index: %w", err)
		}
		opts = append(opts, service.WithVectorIndex(index, a.cfg.Sync.Namespace))
	}
	return service.NewSyncService(a.docs, a.client, opts...), nil
}

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "docsync",
		Short: "document ingest and sync pipeline",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	var runMerge bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the scheduled ingest and sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return runDaemon(a, runMerge)
		},
	}
	runCmd.Flags().BoolVar(&runMerge, "merge", true, "push locally changed documents as remote updates")

	var pushMerge bool
	pushCmd := &cobra.Command{
		Use:   "push",
		Short: "push pending documents to the remote system once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			sync, err := a.syncService(ctx)
			if err != nil {
				return err
			}
			result, err := sync.Push(ctx, pushMerge)
			if result != nil {
				fmt.Printf("created=%d updated=%d skipped=%d failed=%d indexed=%d\n",
					result.Created, result.Updated, result.Skipped, result.Failed, result.Indexed)
			}
			return err
		},
	}
	pushCmd.Flags().BoolVar(&pushMerge, "merge", false, "push locally changed documents as remote updates")

	var ingestDir string
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "ingest documents from a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			dir := ingestDir
			if dir == "" {
				dir = a.cfg.Ingest.InputDir
			}
			if dir == "" {
				return fmt.Errorf("--dir or ingest.input_dir is required")
			}
			result, err := a.ingest.IngestDir(cmd.Context(), dir)
			if result != nil {
				fmt.Printf("ingested=%d skipped=%d failed=%d\n", result.Ingested, result.Skipped, result.Failed)
			}
			return err
		},
	}
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "directory to ingest (defaults to ingest.input_dir)")

	var queryTopK int
	var queryNamespace string
	queryCmd := &cobra.Command{
		Use:   "query <text>",
		Short: "query the vector index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			index, err := a.vectorClient(ctx)
			if err != nil {
				return err
			}
			namespace := queryNamespace
			if namespace == "" {
				namespace = a.cfg.Sync.Namespace
			}
			matches, err := index.QueryText(ctx, args[0], queryTopK, namespace)
			if err != nil {
				return err
			}
			for _, match := range matches {
				fmt.Printf("%s score=%.4f title=%v\n", match.ID, match.Score, match.Metadata["document_title"])
			}
			return nil
		},
	}
	queryCmd.Flags().IntVar(&queryTopK, "top-k", 3, "number of matches to return")
	queryCmd.Flags().StringVar(&queryNamespace, "namespace", "", "index namespace (defaults to sync.namespace)")

	var purgeNamespace string
	var purgeYes bool
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "delete all vectors in a namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !purgeYes {
				return fmt.Errorf("purge is irreversible, re-run with --yes")
			}
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			index, err := a.vectorClient(ctx)
			if err != nil {
				return err
			}
			namespace := purgeNamespace
			if namespace == "" {
				namespace = a.cfg.Sync.Namespace
			}
			return index.PurgeNamespace(ctx, namespace)
		},
	}
	purgeCmd.Flags().StringVar(&purgeNamespace, "namespace", "", "index namespace (defaults to sync.namespace)")
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "confirm the purge")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "clear sync flags on every document to force a full re-sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			affected, err := a.docs.MarkAllDocumentsNotUploaded(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reset %d documents\n", affected)
			return nil
		},
	}

	var wipeYes bool
	wipeCmd := &cobra.Command{
		Use:   "wipe",
		Short: "delete every local document (chunks cascade)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !wipeYes {
				return fmt.Errorf("wipe is irreversible, re-run with --yes")
			}
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.docs.DeleteAllDocuments(cmd.Context())
		},
	}
	wipeCmd.Flags().BoolVar(&wipeYes, "yes", false, "confirm the wipe")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list local documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			docs, err := a.docs.ListDocuments(cmd.Context())
			if err != nil {
				return err
			}
			for _, doc := range docs {
				fmt.Printf("%d\t%s\thash=%s uploaded=%d local_update=%d chunks=%d tags=%d\n",
					doc.ID, doc.Title, doc.DocHash, doc.IsUploaded, doc.LocalUpdate, len(doc.Chunks), len(doc.Tags))
			}
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, pushCmd, ingestCmd, queryCmd, purgeCmd, resetCmd, wipeCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func runDaemon(a *app, merge bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sync, err := a.syncService(ctx)
	if err != nil {
		return err
	}

	scheduler := schedule.NewCronScheduler()
	if err := scheduler.AddJob(job.NewSyncJob(sync, merge), a.cfg.Sync.CronSpec); err != nil {
		return err
	}
	if a.cfg.Ingest.InputDir != "" {
		if err := scheduler.AddJob(job.NewIngestJob(a.ingest, a.cfg.Ingest.InputDir), a.cfg.Sync.CronSpec); err != nil {
			return err
		}
	}
	scheduler.Start(ctx)
	logutil.GetLogger(ctx).Info("daemon started", zap.String("cron_spec", a.cfg.Sync.CronSpec))

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("daemon stopping...")
	scheduler.Stop()
	return nil
}
