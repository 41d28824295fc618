package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/crmdesk/backend/internal/models"
	ws "github.com/crmdesk/backend/internal/websocket"
)

// StalePresenceStore is the reconciler's view of the durable presence store.
type StalePresenceStore interface {
	MarkStaleOffline(ctx context.Context, threshold time.Time) ([]models.PresenceRecord, error)
}

// Reconciler is the liveness failure detector: on a fixed interval it demotes
// users whose heartbeat has expired, whether or not their connection cleanly
// closed. Worst-case detection latency is one sweep interval plus the stale
// threshold. A false positive (briefly demoting an active user) is acceptable
// and corrected by the next heartbeat; a missed demotion would leak registry
// entries and mislead the UI, so the sweep also clears lingering hub state.
type Reconciler struct {
	hub        *ws.Hub
	presence   StalePresenceStore
	interval   time.Duration
	staleAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewReconciler creates a reconciler sweeping every interval, demoting records
// whose last heartbeat is older than staleAfter. staleAfter must exceed the
// client heartbeat period so that one missed beat does not cause a false
// demotion.
func NewReconciler(hub *ws.Hub, presence StalePresenceStore, interval, staleAfter time.Duration, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		hub:        hub,
		presence:   presence,
		interval:   interval,
		staleAfter: staleAfter,
		log:        logger.With().Str("component", "presence-reconciler").Logger(),
		now:        time.Now,
	}
}

// Run sweeps until the context is cancelled. Sweep failures are logged and
// retried on the next tick; the loop never dies.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Dur("stale_after", r.staleAfter).Msg("reconciler started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass: demote stale ONLINE records, tell
// every connected client, and defensively drop any hub entry the disconnect
// path failed to clean up.
func (r *Reconciler) Sweep(ctx context.Context) {
	threshold := r.now().UTC().Add(-r.staleAfter)

	demoted, err := r.presence.MarkStaleOffline(ctx, threshold)
	if err != nil {
		r.log.Error().Err(err).Msg("stale presence sweep failed")
		return
	}

	for _, rec := range demoted {
		r.hub.BroadcastAll(encodeEvent(EventPresenceUpdate, PresenceUpdatePayload{
			UserID:     rec.UserID,
			Status:     models.PresenceOffline,
			LastSeenAt: rec.LastSeenAt,
		}))
		r.hub.DropUser(rec.UserID)
		r.log.Info().Int64("user_id", rec.UserID).Time("last_seen_at", rec.LastSeenAt).
			Msg("demoted stale user to offline")
	}
}
