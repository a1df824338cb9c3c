package di

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/config"
	"github.com/savaki/run-deployer/internal/dao/historydao"
	"github.com/savaki/run-deployer/internal/pipeline"
)

// ProvideHistoryDAO opens the local run history. The DAO is closed by Cleanup.
func ProvideHistoryDAO(ctx context.Context, cfg config.Config, cleanup *Cleanup) (*historydao.DAO, error) {
	dao, err := historydao.New(ctx, cfg.HistoryDB)
	if err != nil {
		return nil, err
	}
	cleanup.Add(dao.Close)
	return dao, nil
}

// ProvideHistoryRecorder returns the history for the pipeline. History is best effort: when the
// database cannot be opened the pipeline runs without it.
func ProvideHistoryRecorder(ctx context.Context, cfg config.Config, cleanup *Cleanup) pipeline.HistoryRecorder {
	dao, err := ProvideHistoryDAO(ctx, cfg, cleanup)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", cfg.HistoryDB).Msg("run history unavailable")
		return nil
	}
	return dao
}
