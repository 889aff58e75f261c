// Package app wires the workspace pieces together: config, database, vendor
// client, mailer and engine. Both the CLI and the ops API build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proctorsync/internal/config"
	"proctorsync/internal/db"
	"proctorsync/internal/domain"
	"proctorsync/internal/engine"
	"proctorsync/internal/events"
	"proctorsync/internal/logging"
	"proctorsync/internal/migrate"
	"proctorsync/internal/notify"
	"proctorsync/internal/remote"
	"proctorsync/internal/repo"
	"proctorsync/internal/session"
)

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Log       *zap.Logger
	Engine    *engine.Engine
}

// Open loads config, opens and migrates the workspace database, and builds a
// ready-to-run engine.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return OpenWith(workspace, cfg)
}

// OpenWith is Open with a caller-supplied config, for callers that already
// loaded or synthesized one.
func OpenWith(workspace string, cfg *config.Config) (*App, error) {
	log, err := logging.New(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	sink := events.Writer{DB: conn}

	client, err := remote.New(remote.Config{
		BaseURL:           cfg.Vendor.BaseURL,
		Timeout:           cfg.VendorTimeout(),
		Location:          cfg.VendorLocation(),
		PageSize:          cfg.Vendor.PageSize,
		RequestsPerSecond: cfg.Vendor.RequestsPerSecond,
	}, log.Named("remote"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	mailer := notify.New(notify.Config{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		From:     cfg.Mail.From,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
	}, log.Named("notify"))

	eng := engine.New(r, vendorRemote{client}, mailer, sink, log.Named("engine"))
	eng.Timeouts = session.TimeoutManager{Timeout: cfg.SessionTimeout(), Grace: cfg.SessionGrace()}
	eng.Workers = cfg.Sync.Workers

	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      r,
		Events:    sink,
		Log:       log,
		Engine:    eng,
	}, nil
}

func (a *App) Close() error {
	_ = a.Log.Sync()
	return a.DB.Close()
}

// RunSync executes one reconciliation pass and records it in sync_runs. The
// watermark for the pass is the start of the last run that finished ok.
func (a *App) RunSync(ctx context.Context) (domain.SyncRun, engine.RunReport, error) {
	lastRun, err := a.Repo.LastSuccessfulRun(ctx)
	if err != nil {
		return domain.SyncRun{}, engine.RunReport{}, fmt.Errorf("load watermark: %w", err)
	}
	run := domain.SyncRun{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Status:    "running",
	}
	if err := a.Repo.InsertSyncRun(ctx, run); err != nil {
		return domain.SyncRun{}, engine.RunReport{}, fmt.Errorf("record run: %w", err)
	}

	report, runErr := a.Engine.Run(ctx, engine.RunOptions{LastRun: lastRun, RunID: run.ID})

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Status = "ok"
	if runErr != nil {
		run.Status = "failed"
		run.Error = runErr.Error()
	}
	run.PointsTotal = len(report.Points)
	run.RecordsSeen, run.RecordsUpdated, run.PointsSkipped = report.Totals()
	if err := a.Repo.FinishSyncRun(ctx, run); err != nil {
		a.Log.Warn("finish sync run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run, report, runErr
}

// vendorRemote narrows *remote.Client to the engine's Remote interface.
type vendorRemote struct {
	c *remote.Client
}

func (v vendorRemote) FetchUpdated(ctx context.Context, apiKey, appID string, since time.Time) engine.ParticipantIter {
	return v.c.FetchUpdated(ctx, apiKey, appID, since)
}

func (v vendorRemote) CloseSession(ctx context.Context, appID string, activityID, userID int64) error {
	return v.c.CloseSession(ctx, appID, activityID, userID)
}
