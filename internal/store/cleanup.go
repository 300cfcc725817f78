package store

import (
	"context"
	"time"

	"github.com/rescuegrid/movement-simulator/internal/clock"
	"github.com/rescuegrid/movement-simulator/internal/logging"
)

// DefaultCleanupInterval is how often the background purge runs.
const DefaultCleanupInterval = time.Hour

// RunCleanup purges aged-out terminal records and expired rows every
// interval until ctx is cancelled. Row-level expiry already bounds storage
// growth on its own; this loop keeps the live set small in between.
func RunCleanup(ctx context.Context, st Store, clk clock.Clock, interval, retention time.Duration, log logging.Logger) {
	if st == nil {
		return
	}
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logging.Noop()
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
		}

		purged, err := st.Cleanup(ctx, retention)
		if err != nil {
			log.Warn(ctx, "store cleanup failed", logging.Err(err))
			continue
		}
		if purged > 0 {
			log.Info(ctx, "store cleanup purged records", logging.Int("purged", purged))
		}
	}
}
