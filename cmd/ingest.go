package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/urbanmetrics/ingest-cli/internal/contract"
	"github.com/urbanmetrics/ingest-cli/internal/db"
	"github.com/urbanmetrics/ingest-cli/internal/ingest"
	"github.com/urbanmetrics/ingest-cli/internal/rules"
)

// ingestPool creates a pgxpool.Pool from store.database_url.
func ingestPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: connect database")
	}
	return pool, nil
}

// buildEngine loads the shipping contract and wires the pipeline engine. The
// schema is migrated first so a fresh database works out of the box.
func buildEngine(ctx context.Context, pool *pgxpool.Pool) (*ingest.Engine, error) {
	if err := ingest.Migrate(ctx, pool); err != nil {
		return nil, err
	}

	c, err := contract.Load(cfg.Ingest.ContractPath)
	if err != nil {
		return nil, err
	}

	return ingest.NewEngine(pool, cfg.Ingest, c, rules.NewRegistry()), nil
}
