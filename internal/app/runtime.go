package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	sqliteadapter "evidence-custody/internal/adapters/store/sqlite"
	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"
	"evidence-custody/internal/services/cases"
	"evidence-custody/internal/services/custody"
	"evidence-custody/internal/services/evidence"
	"evidence-custody/internal/services/export"
	"evidence-custody/internal/services/report"
)

// Runtime 把存储、服务与日志按配置装配在一起，CLI 与 HTTP 共用。
type Runtime struct {
	Config  Config
	Logger  *slog.Logger
	DB      *sql.DB
	Store   *sqliteadapter.Store
	Metrics *metrics.Metrics

	Cases    *cases.Manager
	Evidence *evidence.Manager
	Reports  *report.Service
	Exporter *export.Exporter

	logCloser io.Closer
}

// Open 打开数据库（含迁移）并装配全部服务。quiet 为 true 时日志只写文件。
func Open(ctx context.Context, cfg Config, quiet bool) (*Runtime, error) {
	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	db, err := sqliteadapter.OpenAndMigrate(ctx, cfg.DBPath)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	met, err := metrics.New()
	if err != nil {
		_ = db.Close()
		_ = logCloser.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store := sqliteadapter.NewStore(db)
	caseMgr := cases.NewManager(cases.Options{
		Repo:     store,
		Auditor:  store,
		Logger:   logger.With("component", "cases"),
		CacheTTL: cfg.Cache.TTL,
	})
	evMgr := evidence.NewManager(evidence.Options{
		Repo:             store,
		Cases:            caseMgr,
		Auditor:          store,
		Verifier:         custody.NewVerifier(custody.PolicyByName(cfg.Custody.Policy)),
		Metrics:          met,
		Logger:           logger.With("component", "evidence"),
		MaxAppendRetries: cfg.Custody.MaxAppendRetries,
	})
	asm := report.NewAssembler(caseMgr, evMgr, nil)

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Store:    store,
		Metrics:  met,
		Cases:    caseMgr,
		Evidence: evMgr,
		Reports: report.NewService(report.Options{
			Assembler:        asm,
			Cases:            caseMgr,
			Store:            store,
			Auditor:          store,
			Metrics:          met,
			Logger:           logger.With("component", "report"),
			Dir:              cfg.ReportDir,
			GeneratorVersion: Version,
		}),
		Exporter: export.NewExporter(export.Options{
			Assembler:        asm,
			Store:            store,
			Logger:           logger.With("component", "export"),
			Dir:              cfg.ExportDir,
			GeneratorVersion: Version,
		}),
		logCloser: logCloser,
	}
	logger.Debug("runtime ready", "db", cfg.DBPath, "policy", cfg.Custody.Policy, "version", Version)
	return rt, nil
}

func (r *Runtime) Close() error {
	var firstErr error
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			firstErr = fmt.Errorf("close db: %w", err)
		}
	}
	if r.logCloser != nil {
		if err := r.logCloser.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close log: %w", err)
		}
	}
	return firstErr
}
