package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/apexmfg/qmib-bridge/internal/app/domain/batch"
	"github.com/apexmfg/qmib-bridge/internal/app/metrics"
	"github.com/apexmfg/qmib-bridge/internal/qmib"
	"github.com/apexmfg/qmib-bridge/pkg/logger"
)

// ReconcileReport summarizes one reconciliation scan.
type ReconcileReport struct {
	Scanned     int
	Published   int
	Failed      int
	Transient   int
	Skipped     int
	Conflicts   int
	ConflictIDs []string
}

// Reconcile scans records stuck in PublishPending beyond the grace period and
// re-issues their publish with the original idempotency key. The gateway
// de-duplicates on that key, so this converges records whose remote call
// succeeded but whose local Published commit was lost to a crash.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	metrics.ObserveReconcileRun()

	cutoff := time.Now().UTC().Add(-c.opts.PublishGrace)
	stuck, err := c.batches.ListStuckSince(ctx, batch.StatePublishPending, cutoff)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("scan stuck batches: %w", err)
	}

	report := ReconcileReport{Scanned: len(stuck)}
	for _, rec := range stuck {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if rec.Halted {
			report.Skipped++
			metrics.ObserveReconcileOutcome("halted")
			continue
		}

		outcome := c.reconcileOne(ctx, rec.LocalID, &report)
		metrics.ObserveReconcileOutcome(outcome)
	}

	c.log.WithField("scanned", report.Scanned).
		WithField("published", report.Published).
		WithField("conflicts", report.Conflicts).
		Info("reconciliation scan finished")
	return report, nil
}

func (c *Coordinator) reconcileOne(ctx context.Context, localID string, report *ReconcileReport) string {
	token, release, err := c.acquireLease(ctx, localID)
	if err != nil {
		// A live operation owns the record; it will finish the publish.
		if errors.Is(err, ErrBatchBusy) {
			report.Skipped++
			return "busy"
		}
		report.Transient++
		return "error"
	}
	defer release()

	rec, err := c.batches.GetBatch(ctx, localID)
	if err != nil || rec.State != batch.StatePublishPending {
		report.Skipped++
		return "skipped"
	}

	_, err = c.publishPending(ctx, rec, token)
	switch {
	case err == nil:
		report.Published++
		return "published"
	case errors.Is(err, ErrReconciliationConflict):
		report.Conflicts++
		report.ConflictIDs = append(report.ConflictIDs, localID)
		return "conflict"
	case errors.Is(err, qmib.ErrTransient), errors.Is(err, qmib.ErrCircuitOpen),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		report.Transient++
		return "transient"
	default:
		report.Failed++
		return "failed"
	}
}

// Reconciler runs the reconciliation scan on a schedule.
type Reconciler struct {
	coord   *Coordinator
	cron    *cron.Cron
	spec    string
	timeout time.Duration
	log     *logger.Logger
}

// NewReconciler creates a scheduled reconciler. spec takes cron syntax, e.g.
// "@every 1m".
func NewReconciler(coord *Coordinator, spec string, timeout time.Duration, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("reconciler")
	}
	if spec == "" {
		spec = "@every 1m"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Reconciler{
		coord:   coord,
		cron:    cron.New(),
		spec:    spec,
		timeout: timeout,
		log:     log,
	}
}

// Start runs one immediate scan, then schedules recurring scans.
func (r *Reconciler) Start(ctx context.Context) error {
	r.runOnce(ctx)

	if _, err := r.cron.AddFunc(r.spec, func() { r.runOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}
	r.cron.Start()
	r.log.WithField("schedule", r.spec).Info("reconciler started")
	return nil
}

// Stop halts scheduling and waits for a running scan to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	done := r.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) runOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	if _, err := r.coord.Reconcile(ctx); err != nil {
		r.log.WithError(err).Error("reconciliation scan failed")
	}
}
