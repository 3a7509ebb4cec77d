package sql

import (
	"context"
	"time"

	"github.com/oneidp/oneidp/internal/store"
	"github.com/oneidp/oneidp/pkg/log"
)

const gcInterval = 30 * time.Second

// RunGC runs GarbageCollect every 30 seconds until ctx is canceled.
func RunGC(ctx context.Context, s store.Store, logger log.Logger) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.GarbageCollect(ctx, time.Now().UTC())
			if err != nil {
				logger.Errorf("sql: garbage collection failed: %v", err)
				continue
			}
			if !result.IsEmpty() {
				logger.Infof("sql: garbage collected %d pending binds, %d pending auths, %d pending unbinds",
					result.PendingBinds, result.PendingAuths, result.PendingUnbinds)
			}
		}
	}
}
