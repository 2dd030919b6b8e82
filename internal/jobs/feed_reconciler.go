// Package jobs contains background workers that run on a schedule.
// The feed reconciler periodically imports pending registrations from the external channel.
// Jobs are designed to be idempotent — re-running after a crash produces the same result as a clean run.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qrgate/qrgate/internal/config"
	"github.com/qrgate/qrgate/internal/db/models"
	"github.com/qrgate/qrgate/internal/db/repositories"
	"github.com/qrgate/qrgate/internal/feed"
	"github.com/qrgate/qrgate/internal/gate"
	"github.com/qrgate/qrgate/internal/telemetry"
)

// ErrReconcileInProgress is returned when a reconcile pass is requested while
// another is still running. Passes never overlap; the caller simply retries
// after the current one finishes.
var ErrReconcileInProgress = errors.New("reconcile already in progress")

// FeedReader fetches recent entries from the external channel.
type FeedReader interface {
	FetchRecent(ctx context.Context, results int) ([]feed.Entry, error)
}

// FeedWriter pushes processed markers back onto the channel.
type FeedWriter interface {
	PushProcessedMarker(ctx context.Context, qrCode string, visitorID int64) (int64, error)
}

// PassStore is the persistence surface the reconciler needs.
type PassStore interface {
	IsEntryProcessed(ctx context.Context, entryID int64) (bool, error)
	CreateFromFeed(ctx context.Context, v *models.Visitor, entryID int64) error
	MarkEntryProcessed(ctx context.Context, entryID int64, at time.Time) error
}

// FeedReconciler imports pending registrations from the external channel into
// the visitor store exactly once. The channel is at-least-once and re-read on
// every poll; the dedup markers written transactionally with each import are
// what prevent double-imports.
type FeedReconciler struct {
	reader  FeedReader
	writer  FeedWriter
	store   PassStore
	limiter feed.PushLimiter
	clock   gate.Clock

	feedCfg config.FeedConfig
	passCfg config.PassConfig

	runningMutex sync.Mutex
	running      bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFeedReconciler creates a new feed reconciler
func NewFeedReconciler(
	reader FeedReader,
	writer FeedWriter,
	store PassStore,
	limiter feed.PushLimiter,
	clock gate.Clock,
	feedCfg config.FeedConfig,
	passCfg config.PassConfig,
) *FeedReconciler {
	return &FeedReconciler{
		reader:  reader,
		writer:  writer,
		store:   store,
		limiter: limiter,
		clock:   clock,
		feedCfg: feedCfg,
		passCfg: passCfg,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic reconcile job and runs a first pass immediately.
func (j *FeedReconciler) Start(ctx context.Context) {
	slog.Info("starting feed reconciler", "interval", j.feedCfg.PollInterval, "page_size", j.feedCfg.PageSize)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(j.feedCfg.PollInterval)
		defer ticker.Stop()

		j.runPass(ctx)

		for {
			select {
			case <-ticker.C:
				j.runPass(ctx)
			case <-j.stopCh:
				slog.Info("feed reconciler stopped")
				return
			case <-ctx.Done():
				slog.Info("feed reconciler context cancelled")
				return
			}
		}
	}()
}

// Stop stops the reconcile job and waits for the current pass to finish.
func (j *FeedReconciler) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *FeedReconciler) runPass(ctx context.Context) {
	processed, errs := j.Reconcile(ctx)
	if len(errs) > 0 {
		for _, err := range errs {
			if errors.Is(err, ErrReconcileInProgress) {
				slog.Warn("skipping reconcile pass, previous one still running")
				return
			}
		}
		slog.Error("reconcile pass finished with errors", "processed", processed, "errors", len(errs), "first_error", errs[0])
		return
	}
	if processed > 0 {
		slog.Info("reconcile pass complete", "processed", processed)
	}
}

type pendingPush struct {
	qrCode    string
	visitorID int64
}

// Reconcile performs one polling pass: fetch a page of recent entries, import
// every unprocessed pending registration, then push processed markers back to
// the channel under the write-rate limit.
//
// A fetch failure aborts the pass cleanly with no partial state. A failure on
// one candidate is recorded and processing continues with the next; partial
// batch success is expected and correct. Push failures are warnings only,
// because the local commit already happened and the marker is an at-least-once
// notification, not a correctness requirement.
func (j *FeedReconciler) Reconcile(ctx context.Context) (int, []error) {
	j.runningMutex.Lock()
	if j.running {
		j.runningMutex.Unlock()
		return 0, []error{ErrReconcileInProgress}
	}
	j.running = true
	j.runningMutex.Unlock()
	defer func() {
		j.runningMutex.Lock()
		j.running = false
		j.runningMutex.Unlock()
	}()

	start := time.Now()
	defer func() {
		telemetry.FeedReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	entries, err := j.reader.FetchRecent(ctx, j.feedCfg.PageSize)
	if err != nil {
		return 0, []error{fmt.Errorf("failed to fetch feed page: %w", err)}
	}

	var (
		processed int
		errs      []error
		pushes    []pendingPush
	)

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			// Already-committed candidates stay committed; the rest wait for
			// the next pass.
			return processed, append(errs, ctx.Err())
		default:
		}

		if !entry.IsRegistrationCandidate() {
			continue
		}

		done, err := j.store.IsEntryProcessed(ctx, entry.EntryID)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", entry.EntryID, err))
			telemetry.FeedReconcileErrorsTotal.Inc()
			continue
		}
		if done {
			continue
		}

		if entry.FullName() == "" {
			j.skipMalformed(ctx, entry.EntryID)
			continue
		}

		visitor, err := j.importEntry(ctx, entry)
		if err != nil {
			if errors.Is(err, repositories.ErrEntryAlreadyProcessed) {
				// A concurrent pass imported it first. Not an error.
				continue
			}
			errs = append(errs, fmt.Errorf("entry %d: %w", entry.EntryID, err))
			telemetry.FeedReconcileErrorsTotal.Inc()
			continue
		}

		processed++
		telemetry.FeedReconcileProcessedTotal.Inc()
		telemetry.PassesIssuedTotal.WithLabelValues("feed").Inc()
		pushes = append(pushes, pendingPush{qrCode: visitor.QRCode, visitorID: visitor.ID})
	}

	j.pushMarkers(ctx, pushes)

	return processed, errs
}

// importEntry creates the pass and its dedup marker in one transaction. A QR
// token collision is answered by one retry with a fresh token.
func (j *FeedReconciler) importEntry(ctx context.Context, entry feed.Entry) (*models.Visitor, error) {
	profile := gate.Profile{
		FullName: entry.FullName(),
		Email:    entry.Field2,
		Phone:    entry.Field3,
		Purpose:  entry.Field4,
		Host:     entry.Field5,
		Notes:    entry.Field6,
	}

	for attempt := 0; attempt < 2; attempt++ {
		visitor, err := gate.NewPass(profile, j.clock.Now(), j.passCfg.TTL, j.passCfg.TokenBytes)
		if err != nil {
			return nil, err
		}

		err = j.store.CreateFromFeed(ctx, visitor, entry.EntryID)
		if err == nil {
			return visitor, nil
		}
		if errors.Is(err, repositories.ErrDuplicateQRCode) {
			slog.Warn("qr token collision on feed import, regenerating", "entry_id", entry.EntryID)
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("qr token collided twice")
}

// skipMalformed handles a candidate entry with an empty name. By default the
// entry is left unmarked so a corrected resend under the same id can still be
// imported; with mark_invalid_entries enabled a dedup marker retires it.
func (j *FeedReconciler) skipMalformed(ctx context.Context, entryID int64) {
	if !j.feedCfg.MarkInvalidEntries {
		slog.Debug("skipping feed entry with empty name", "entry_id", entryID)
		return
	}

	err := j.store.MarkEntryProcessed(ctx, entryID, j.clock.Now())
	if err != nil && !errors.Is(err, repositories.ErrEntryAlreadyProcessed) {
		slog.Warn("failed to retire malformed feed entry", "entry_id", entryID, "error", err)
		return
	}
	slog.Info("retired malformed feed entry", "entry_id", entryID)
}

// pushMarkers writes the processed markers one at a time under the rate
// limiter. This wait is confined to the reconcile path and never delays
// checkpoint scans.
func (j *FeedReconciler) pushMarkers(ctx context.Context, pushes []pendingPush) {
	if j.writer == nil {
		return
	}

	for _, p := range pushes {
		if err := j.limiter.Wait(ctx); err != nil {
			slog.Warn("feed push abandoned waiting for rate limit", "visitor_id", p.visitorID, "error", err)
			telemetry.FeedPushesTotal.WithLabelValues("error").Inc()
			return
		}

		entryID, err := j.writer.PushProcessedMarker(ctx, p.qrCode, p.visitorID)
		switch {
		case errors.Is(err, feed.ErrWriteRejected):
			slog.Warn("feed push rejected by upstream", "visitor_id", p.visitorID)
			telemetry.FeedPushesTotal.WithLabelValues("rejected").Inc()
		case err != nil:
			slog.Warn("feed push failed", "visitor_id", p.visitorID, "error", err)
			telemetry.FeedPushesTotal.WithLabelValues("error").Inc()
		default:
			slog.Debug("pushed processed marker", "visitor_id", p.visitorID, "entry_id", entryID)
			telemetry.FeedPushesTotal.WithLabelValues("ok").Inc()
		}
	}
}
