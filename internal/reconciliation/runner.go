package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/castline/escrowd/internal/escrow"
)

// DefaultBatchSize caps how many entries one run settles.
const DefaultBatchSize = 100

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

// Reconciler settles one journaled commit. *escrow.Service implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, pc *escrow.PendingCommit) (*escrow.Escrow, error)
}

// EntryResult is the outcome for one pending commit.
type EntryResult struct {
	CommitID  string            `json:"commitId"`
	EscrowID  string            `json:"escrowId"`
	Operation escrow.Operation  `json:"operation"`
	Kind      escrow.CommitKind `json:"kind"`
	Resolved  bool              `json:"resolved"`
	Status    escrow.Status     `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Report summarizes a reconciliation run.
type Report struct {
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Checked    int           `json:"checked"`
	Resolved   int           `json:"resolved"`
	Failed     int           `json:"failed"`
	Remaining  int           `json:"remaining"`
	Entries    []EntryResult `json:"entries"`
}

// Runner drains the commit journal through a Reconciler.
type Runner struct {
	journal    escrow.CommitJournal
	reconciler Reconciler
	batch      int
	logger     *slog.Logger
	now        func() time.Time

	runMu sync.Mutex

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner over journal.
func NewRunner(journal escrow.CommitJournal, reconciler Reconciler, logger *slog.Logger) *Runner {
	return &Runner{
		journal:    journal,
		reconciler: reconciler,
		batch:      DefaultBatchSize,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithBatchSize overrides how many entries one run settles.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batch = n
	}
	return r
}

// RunAll settles up to one batch of open entries, oldest first. Entries
// that fail stay open for the next run. Only one run executes at a time.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	if !r.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.runMu.Unlock()

	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	report := &Report{StartedAt: r.now(), Entries: []EntryResult{}}

	open, err := r.journal.ListOpen(ctx, r.batch)
	if err != nil {
		return nil, err
	}

	for _, pc := range open {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		res := EntryResult{
			CommitID:  pc.ID,
			EscrowID:  pc.EscrowID,
			Operation: pc.Operation,
			Kind:      pc.Kind,
		}

		e, err := r.reconciler.Reconcile(ctx, pc)
		if err != nil {
			report.Failed++
			res.Error = err.Error()
			reconcileErrors.WithLabelValues(string(pc.Kind)).Inc()
			r.logger.Warn("pending commit not settled",
				"commit_id", pc.ID, "escrow_id", pc.EscrowID,
				"operation", pc.Operation, "kind", pc.Kind,
				"attempts", pc.Attempts+1, "error", err)
		} else {
			report.Resolved++
			res.Resolved = true
			res.Status = e.Status
			reconcileResolved.WithLabelValues(string(pc.Kind)).Inc()
		}
		report.Entries = append(report.Entries, res)
	}

	remaining, err := r.journal.ListOpen(ctx, r.batch)
	if err == nil {
		report.Remaining = len(remaining)
		reconcileOpenCommits.Set(float64(len(remaining)))
	}
	report.FinishedAt = r.now()

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	if report.Checked > 0 {
		r.logger.Info("reconciliation run complete",
			"checked", report.Checked, "resolved", report.Resolved,
			"failed", report.Failed, "remaining", report.Remaining)
	}
	return report, nil
}

// Open lists open entries, oldest first.
func (r *Runner) Open(ctx context.Context, limit int) ([]*escrow.PendingCommit, error) {
	return r.journal.ListOpen(ctx, limit)
}

// LastReport returns the most recent run's report, or nil.
func (r *Runner) LastReport() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
