package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const poolStatsInterval = 15 * time.Second

type connectionGauge interface {
	SetDBConnectionsInUse(n int64)
}

// samplePoolStats publishes acquired connection counts until ctx is done.
func samplePoolStats(ctx context.Context, pool *pgxpool.Pool, gauge connectionGauge) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()

	for {
		gauge.SetDBConnectionsInUse(int64(pool.Stat().AcquiredConns()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
