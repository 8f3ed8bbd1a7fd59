package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veridocs/ledger/internal/audit"
)

// VerificationSource exposes the ledger operations the sweep needs.
type VerificationSource interface {
	// Scopes returns the distinct scope IDs present in the ledger.
	Scopes(ctx context.Context) ([]string, error)
	// VerifyScope re-verifies every chain of one scope.
	VerifyScope(ctx context.Context, scopeID string) (*audit.ScopeReport, error)
}

// VerificationJobConfig configures the scheduled verification sweep.
type VerificationJobConfig struct {
	// Interval is the duration between sweeps.
	Interval time.Duration
	// Timeout for each sweep across all scopes.
	Timeout time.Duration
	// Logger for job activity.
	Logger *slog.Logger
	// Metrics for centralized background job tracking.
	Metrics Reporter
}

// DefaultVerifyInterval is the default duration between verification sweeps.
const DefaultVerifyInterval = 1 * time.Hour

// DefaultVerifyTimeout is the default timeout for a single sweep.
const DefaultVerifyTimeout = 5 * time.Minute

// VerificationJob periodically re-verifies every chain of every scope.
// Tampering only becomes visible when someone checks; the sweep bounds the
// time between a modification and its detection.
type VerificationJob struct {
	config VerificationJobConfig
	source VerificationSource

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewVerificationJob creates a new scheduled verification job.
func NewVerificationJob(config VerificationJobConfig, source VerificationSource) *VerificationJob {
	if config.Interval == 0 {
		config.Interval = DefaultVerifyInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultVerifyTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &VerificationJob{
		config: config,
		source: source,
	}
}

// Start begins the periodic verification sweep.
// Returns immediately; the job runs in a background goroutine.
func (j *VerificationJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for it to finish.
func (j *VerificationJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *VerificationJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// VerifyNow runs one sweep immediately, outside the schedule.
func (j *VerificationJob) VerifyNow() {
	j.verifyAllScopes(context.Background())
}

// run is the main loop for the verification job.
func (j *VerificationJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("verification job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("verification job stopping due to stop signal")
			return
		case <-ticker.C:
			j.verifyAllScopes(ctx)
		}
	}
}

// verifyAllScopes runs one sweep over every scope in the ledger.
func (j *VerificationJob) verifyAllScopes(parentCtx context.Context) {
	ctx, cancel := context.WithTimeout(parentCtx, j.config.Timeout)
	defer cancel()

	startTime := time.Now()

	scopes, err := j.source.Scopes(ctx)
	if err != nil {
		j.config.Logger.Error("verification sweep failed to list scopes", "error", err)
		if j.config.Metrics != nil {
			j.config.Metrics.IncJobErrors(JobTypeScheduledVerify, "storage_error")
			j.config.Metrics.IncJobsTotal(JobTypeScheduledVerify, StatusFailure)
		}
		return
	}

	var verifyErrors, invalidChains int
	for _, scopeID := range scopes {
		select {
		case <-ctx.Done():
			j.config.Logger.Error("verification sweep timeout exceeded",
				"scopes_total", len(scopes),
				"timeout", j.config.Timeout)
			if j.config.Metrics != nil {
				j.config.Metrics.IncJobErrors(JobTypeScheduledVerify, "timeout")
				j.config.Metrics.IncJobsTotal(JobTypeScheduledVerify, StatusFailure)
				j.config.Metrics.ObserveJobDuration(JobTypeScheduledVerify, time.Since(startTime).Seconds())
			}
			return
		default:
		}

		report, err := j.source.VerifyScope(ctx, scopeID)
		if err != nil {
			verifyErrors++
			j.config.Logger.Error("scope verification failed",
				"scope_id", scopeID,
				"error", err)
			continue
		}

		for _, res := range report.Results {
			if res.Valid {
				continue
			}
			invalidChains++
			j.config.Logger.Warn("verification sweep found invalid chain",
				"scope_id", res.ScopeID,
				"category", string(res.Category),
				"check", string(res.Finding.Check),
				"sequence", res.Finding.SequenceNum,
				"message", res.Finding.Message)
		}
	}

	duration := time.Since(startTime).Seconds()
	if j.config.Metrics != nil {
		j.config.Metrics.ObserveJobDuration(JobTypeScheduledVerify, duration)
		if verifyErrors > 0 {
			j.config.Metrics.IncJobErrors(JobTypeScheduledVerify, "storage_error")
			j.config.Metrics.IncJobsTotal(JobTypeScheduledVerify, StatusFailure)
		} else {
			j.config.Metrics.IncJobsTotal(JobTypeScheduledVerify, StatusSuccess)
		}
	}

	j.config.Logger.Info("verification sweep complete",
		"scopes", len(scopes),
		"invalid_chains", invalidChains,
		"errors", verifyErrors,
		"duration_seconds", duration)
}
