// Package app wires the casefile stores and services from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/accordsai/caselane/pkg/db"
	"github.com/accordsai/caselane/services/casefile/internal/archive"
	"github.com/accordsai/caselane/services/casefile/internal/config"
	"github.com/accordsai/caselane/services/casefile/internal/docstore"
	"github.com/accordsai/caselane/services/casefile/internal/lifecycle"
	"github.com/accordsai/caselane/services/casefile/internal/metrics"
	"github.com/accordsai/caselane/services/casefile/internal/notify"
	"github.com/accordsai/caselane/services/casefile/internal/objectstore"
	"github.com/accordsai/caselane/services/casefile/internal/render"
	"github.com/accordsai/caselane/services/casefile/internal/signatures"
	"github.com/accordsai/caselane/services/casefile/internal/sqlitestore"
	"github.com/accordsai/caselane/services/casefile/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type App struct {
	Config     config.Config
	Log        *slog.Logger
	Repo       store.Repository
	Cases      *lifecycle.Service
	Signatures *signatures.Service
	Archive    *archive.Assembler
	Resolver   *docstore.Resolver
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry

	closers []func()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// OpenRepository picks PostgreSQL when DATABASE_URL is set and the embedded
// SQLite file otherwise.
func OpenRepository(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Repository, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.New(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		log.Info("using postgres store")
		return pg, pool.Close, nil
	}
	lite, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	log.Info("using sqlite store", "path", cfg.SQLitePath)
	return lite, func() { _ = lite.Close() }, nil
}

// Build assembles every service on top of repo. Object storage is optional:
// without S3_BUCKET uploads go to LOCAL_STORAGE_ROOT.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger, repo store.Repository) (*App, error) {
	local := docstore.LocalPath{Root: cfg.LocalStorageRoot, MaxBytes: cfg.MaxUploadBytes}
	fetcher := docstore.HTTPFetcher{Client: &http.Client{Timeout: cfg.FetchTimeout}, MaxBytes: cfg.MaxUploadBytes}

	strategies := []docstore.Strategy{docstore.DirectURL{HTTP: fetcher}}
	var blobs lifecycle.BlobSaver = local
	if cfg.S3Bucket != "" {
		awsCfg, err := objectstore.LoadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSEndpointURL)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		objects := objectstore.NewFromConfig(awsCfg, cfg.S3Bucket, cfg.ObjectPublicBaseURL, cfg.S3UsePathStyle)
		strategies = append(strategies,
			docstore.ObjectKey{Objects: objects},
			docstore.PublicURL{Objects: objects, HTTP: fetcher},
		)
		blobs = objects
		log.Info("object storage enabled", "bucket", cfg.S3Bucket)
	}
	strategies = append(strategies, local)
	resolver := docstore.NewResolver(log, strategies...)

	catalog, err := render.DefaultCatalog()
	if err != nil {
		return nil, fmt.Errorf("load template catalog: %w", err)
	}
	for _, id := range cfg.Templates() {
		if _, ok := catalog.Get(id); !ok {
			// Assembly reports it per case; startup only warns.
			log.Warn("required template is not in the catalog", "template_id", id)
		}
	}

	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.MailerBaseURL != "" {
		notifier = notify.NewHTTP(cfg.MailerBaseURL, cfg.MailerSigningSecret)
	}

	m := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	asm := &archive.Assembler{
		Repo:         repo,
		Docs:         resolver,
		Renderer:     render.NewRenderer(catalog, nil),
		Templates:    cfg.Templates(),
		Concurrency:  cfg.FetchConcurrency,
		FetchTimeout: cfg.FetchTimeout,
		Log:          log,
		Metrics:      m,
	}
	cases := &lifecycle.Service{
		Repo:          repo,
		Notifier:      notifier,
		Blobs:         blobs,
		Log:           log,
		Metrics:       m,
		RequiredTypes: cfg.DocumentTypes(),
		PortalBaseURL: cfg.PortalBaseURL,
		CaseExpiry:    cfg.CaseExpiry,
		Generation:    asm.CheckGeneration,
	}
	return &App{
		Config:     cfg,
		Log:        log,
		Repo:       repo,
		Cases:      cases,
		Signatures: signatures.New(repo, log, cfg.SignatureMinBytes),
		Archive:    asm,
		Resolver:   resolver,
		Metrics:    m,
		Registry:   reg,
	}, nil
}

// Open is OpenRepository followed by Build. Close releases the repository.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	repo, closeRepo, err := OpenRepository(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := Build(ctx, cfg, log, repo)
	if err != nil {
		closeRepo()
		return nil, err
	}
	a.closers = append(a.closers, closeRepo)
	return a, nil
}
