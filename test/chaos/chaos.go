package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const killQuery = `
	SELECT count(*) FROM (
		SELECT pg_terminate_backend(pid) AS killed
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND application_name = $1
		  AND pid <> pg_backend_pid()
		ORDER BY random()
		LIMIT 1
	) t
	WHERE killed
`

// Killer drops one of the stress run's ledger connections now and then, so
// engine transactions die between statements and must roll back cleanly.
// Each tick of Every has a 1 in Odds chance to kill.
type Killer struct {
	Pool    *pgxpool.Pool
	AppName string
	Every   time.Duration
	Odds    int

	kills atomic.Int64
}

// Run kills backends until ctx is done or stop closes.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	every, odds := k.Every, k.Odds
	if every <= 0 {
		every = 2 * time.Second
	}
	if odds <= 0 {
		odds = 5
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(odds) != 0 {
				continue
			}
			var n int64
			if err := k.Pool.QueryRow(ctx, killQuery, k.AppName).Scan(&n); err == nil {
				k.kills.Add(n)
			}
		}
	}
}

// Kills reports how many backends Run terminated.
func (k *Killer) Kills() int64 {
	return k.kills.Load()
}
