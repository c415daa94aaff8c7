package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

// Reaper reclaims holds whose TTL ran out unconfirmed. It is safe to run on
// any number of workers at once: the store's claim leases rows so no two
// claimers see the same reservation, and the release itself is idempotent.
type Reaper struct {
	store    reservation.Store
	manager  *reservation.Manager
	log      *zap.Logger
	interval time.Duration
	lease    time.Duration
	batch    int
	workers  int
	clock    func() time.Time
}

func New(store reservation.Store, manager *reservation.Manager, log *zap.Logger, interval, lease time.Duration, batch, workers int) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	if batch < 1 {
		batch = 100
	}
	if workers < 1 {
		workers = 1
	}
	return &Reaper{
		store:    store,
		manager:  manager,
		log:      log,
		interval: interval,
		lease:    lease,
		batch:    batch,
		workers:  workers,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (r *Reaper) WithClock(clock func() time.Time) *Reaper {
	r.clock = clock
	return r
}

// Run loops until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			released, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Error("reaper cycle failed", zap.Error(err))
				continue
			}
			if released > 0 {
				r.log.Info("reaped expired reservations", zap.Int("released", released))
			}
		}
	}
}

// RunOnce claims one batch and releases it. A row that fails to release is
// logged and skipped; the failed release puts it back to active, so a later
// cycle retries it once its lease lapses.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	now := r.clock()
	claimed, err := r.store.ClaimExpired(ctx, now, r.lease, r.batch)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	released := make(chan int, len(claimed))
	for _, res := range claimed {
		res := res
		g.Go(func() error {
			if err := r.manager.ReleaseReservation(ctx, res.ID, reservation.ReasonExpired); err != nil {
				r.log.Error("release expired reservation",
					zap.String("reservation_id", res.ID),
					zap.String("order_id", res.OrderID),
					zap.Error(err))
				return nil // row failures never halt the batch
			}
			released <- 1
			return nil
		})
	}
	_ = g.Wait()
	close(released)
	n := 0
	for range released {
		n++
	}
	return n, nil
}
