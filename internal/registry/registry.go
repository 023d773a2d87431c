// Package registry restarts interrupted transfers from their durable resume
// records after a process restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openrcs/ftengine/internal/logctx"
	"github.com/openrcs/ftengine/internal/session"
	"github.com/openrcs/ftengine/internal/storage"
)

// Registry replays resume records through the session manager.
type Registry struct {
	store storage.ResumeStore
	mgr   *session.Manager
}

func New(store storage.ResumeStore, mgr *session.Manager) *Registry {
	return &Registry{store: store, mgr: mgr}
}

// Drain resumes every recorded transfer, oldest first, one at a time. Each
// transfer runs until it either terminates or pauses again before the next
// record is touched, so a restart after an outage never floods the server.
func (r *Registry) Drain(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	records, err := r.store.QueryAll()
	if err != nil {
		return fmt.Errorf("failed to load resume records: %w", err)
	}

	if len(records) == 0 {
		return nil
	}

	logger.Info("resuming interrupted transfers", "count", len(records))

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.drainOne(ctx, rec)
	}

	return nil
}

func (r *Registry) drainOne(ctx context.Context, rec *storage.ResumeRecord) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", rec.TransferID)

	s, err := r.mgr.AdoptRecord(rec)
	if err != nil {
		// A record that cannot be reconstructed will never succeed;
		// drop it instead of replaying the failure on every start.
		logger.Error("dropping unusable resume record", "err", err)

		if delErr := r.store.Delete(rec.TransferID); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
			logger.Warn("failed to delete resume record", "err", delErr)
		}

		return
	}

	// Advance exactly once, on the first settled outcome: a terminal
	// event or another pause.
	settled := make(chan struct{})

	var once sync.Once

	s.Subscribe(func(ev session.Event) {
		if ev.Kind.Terminal() || ev.Kind == session.EventPausedByUser || ev.Kind == session.EventPausedBySystem {
			once.Do(func() { close(settled) })
		}
	})

	logger.Info("resuming transfer", "direction", string(rec.Direction))

	s.Resume(ctx)

	select {
	case <-settled:
	case <-ctx.Done():
	}
}
