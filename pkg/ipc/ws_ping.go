package ipc

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

// startWSPing keeps an idle session alive while the job is still preparing
// its first fragment. It stops when ctx is done.
func startWSPing(ctx context.Context, conn pinger, interval time.Duration, logger *zap.Logger) {
	if conn == nil {
		return
	}
	if interval <= 0 {
		interval = wsPingInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil && ctx.Err() == nil {
					logger.Debug("websocket ping failed", zap.Error(err))
				}
			}
		}
	}()
}
