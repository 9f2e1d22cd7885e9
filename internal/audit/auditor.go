// Package audit periodically re-verifies ledger chains against their stores
// and reports integrity transitions.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status values reported per namespace.
const (
	StatusUnknown = "unknown"
	StatusHealthy = "healthy"
	StatusBroken  = "broken"
)

// Config holds auditor configuration.
type Config struct {
	Interval      time.Duration
	FailThreshold int
}

// Verifier is a chain that can re-check itself. *ledger.Ledger satisfies it.
type Verifier interface {
	Namespace() string
	Verify(ctx context.Context) error
}

// AlertFunc is an optional callback invoked when a namespace becomes broken
// or recovers.
type AlertFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording audit results.
type MetricsRecordFunc func(success bool)

// Event types passed to AlertFunc.
const (
	EventIntegrityFailed   = "ledger.integrity_failed"
	EventIntegrityRestored = "ledger.integrity_restored"
)

// Report is the audit state of one namespace.
type Report struct {
	Namespace string    `json:"namespace"`
	Status    string    `json:"status"`
	Failures  int       `json:"consecutiveFailures"`
	LastError string    `json:"lastError,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Auditor runs periodic chain verifications.
type Auditor struct {
	verifiers []Verifier
	cfg       Config
	mu        sync.Mutex
	reports   map[string]*Report
	onAlert   AlertFunc
	onMetrics MetricsRecordFunc
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a new Auditor over verifiers.
func New(cfg Config, logger *zap.Logger, verifiers ...Verifier) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 1
	}

	reports := make(map[string]*Report, len(verifiers))
	for _, v := range verifiers {
		reports[v.Namespace()] = &Report{Namespace: v.Namespace(), Status: StatusUnknown}
	}
	return &Auditor{
		verifiers: verifiers,
		cfg:       cfg,
		reports:   reports,
		now:       time.Now,
		logger:    logger,
	}
}

// SetAlert configures the alert callback.
func (a *Auditor) SetAlert(fn AlertFunc) {
	a.onAlert = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start checks every chain immediately, then once per interval until ctx is
// done.
func (a *Auditor) Start(ctx context.Context) {
	a.runOnce(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Auditor) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Interval)
	defer cancel()
	a.CheckAll(runCtx)
}

// CheckAll verifies every chain once. Chains are checked one after another;
// each Verify already serializes on its ledger's lock.
func (a *Auditor) CheckAll(ctx context.Context) {
	for _, v := range a.verifiers {
		a.check(ctx, v)
	}
}

func (a *Auditor) check(ctx context.Context, v Verifier) {
	err := v.Verify(ctx)
	success := err == nil
	if a.onMetrics != nil {
		a.onMetrics(success)
	}

	ns := v.Namespace()
	a.mu.Lock()
	r := a.reports[ns]
	prevStatus := r.Status
	if success {
		r.Failures = 0
		r.LastError = ""
		r.Status = StatusHealthy
	} else {
		r.Failures++
		r.LastError = err.Error()
		if r.Failures >= a.cfg.FailThreshold {
			r.Status = StatusBroken
		}
	}
	r.CheckedAt = a.now().UTC()
	status, failures := r.Status, r.Failures
	a.mu.Unlock()

	switch {
	case status == StatusBroken && prevStatus != StatusBroken:
		a.logger.Warn("audit: ledger integrity failed",
			zap.String("namespace", ns),
			zap.Int("fail_count", failures),
			zap.Error(err),
		)
		a.alert(ctx, EventIntegrityFailed, map[string]string{"namespace": ns, "error": err.Error()})
	case status == StatusHealthy && prevStatus == StatusBroken:
		a.logger.Info("audit: ledger integrity restored", zap.String("namespace", ns))
		a.alert(ctx, EventIntegrityRestored, map[string]string{"namespace": ns})
	case !success:
		a.logger.Warn("audit: verification failed", zap.String("namespace", ns), zap.Error(err))
	}
}

func (a *Auditor) alert(ctx context.Context, eventType string, payload map[string]string) {
	if a.onAlert != nil {
		a.onAlert(ctx, eventType, payload)
	}
}

// Reports returns a snapshot of the audit state of every namespace.
func (a *Auditor) Reports() []Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Report, 0, len(a.verifiers))
	for _, v := range a.verifiers {
		out = append(out, *a.reports[v.Namespace()])
	}
	return out
}

// Healthy reports whether no namespace is currently broken.
func (a *Auditor) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.reports {
		if r.Status == StatusBroken {
			return false
		}
	}
	return true
}
