package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codedrop/codedrop/internal/audit"
	"github.com/codedrop/codedrop/internal/share"
	"github.com/codedrop/codedrop/internal/storage"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("codedrop-lifecycle")

// ReapedFile identifies one share removed by a sweep
type ReapedFile struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// ReapReport summarizes a sweep. Removed counts metadata rows actually
// deleted; Failures counts blobs that could not be removed.
type ReapReport struct {
	Removed  int          `json:"removed"`
	Failures int          `json:"failures"`
	Files    []ReapedFile `json:"files"`
}

// Recorder receives sweep results for metrics
type Recorder interface {
	SweepCompleted(removed, failures int, duration time.Duration)
	SweepFailed()
}

type noopRecorder struct{}

func (noopRecorder) SweepCompleted(int, int, time.Duration) {}
func (noopRecorder) SweepFailed()                           {}

// Reaper removes expired shares: bytes first, then metadata
type Reaper struct {
	store    share.Store
	objects  storage.Backend
	recorder Recorder
	auditLog *audit.Manager
}

// NewReaper creates a reaper over the given stores
func NewReaper(store share.Store, objects storage.Backend) *Reaper {
	return &Reaper{
		store:    store,
		objects:  objects,
		recorder: noopRecorder{},
	}
}

// SetAuditLog records a share_expired event per reaped share
func (r *Reaper) SetAuditLog(m *audit.Manager) {
	r.auditLog = m
}

// SetMetrics attaches a metrics recorder
func (r *Reaper) SetMetrics(rec Recorder) {
	if rec == nil {
		rec = noopRecorder{}
	}
	r.recorder = rec
}

// Sweep deletes every share expired at now. Blob failures are logged and
// counted; a metadata failure aborts the sweep. Running it twice is harmless.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (ReapReport, error) {
	ctx, span := tracer.Start(ctx, "reaper.sweep")
	defer span.End()

	start := time.Now()
	report := ReapReport{Files: []ReapedFile{}}

	expired, err := r.store.FindExpired(ctx, now)
	if err != nil {
		r.recorder.SweepFailed()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("failed to find expired shares: %w", err)
	}
	if len(expired) == 0 {
		r.recorder.SweepCompleted(0, 0, time.Since(start))
		return report, nil
	}

	paths, failures := r.releasablePaths(ctx, expired, now)
	report.Failures = failures
	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.ID)
	}

	if err := r.objects.Delete(ctx, paths...); err != nil {
		var delErr *storage.DeleteError
		if errors.As(err, &delErr) {
			report.Failures += delErr.FailedPaths()
			for path, cause := range delErr.Failed {
				logrus.WithFields(logrus.Fields{
					"path":  path,
					"error": cause,
				}).Warn("Failed to delete expired share object")
			}
		} else {
			report.Failures += len(paths)
			logrus.WithError(err).Warn("Failed to delete expired share objects")
		}
	}

	removedIDs, err := r.store.DeleteMany(ctx, ids)
	if err != nil {
		r.recorder.SweepFailed()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("failed to delete expired share metadata: %w", err)
	}
	report.Removed = len(removedIDs)

	removed := make(map[string]bool, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = true
	}
	for _, s := range expired {
		// a concurrent Remove or sweep got there first
		if !removed[s.ID] {
			continue
		}
		report.Files = append(report.Files, ReapedFile{Code: s.Code, Name: s.FileName})
		r.auditLog.LogEvent(ctx, &audit.AuditEvent{
			UserID:       s.Owner,
			EventType:    audit.EventTypeShareExpired,
			ResourceType: audit.ResourceTypeShare,
			ResourceID:   s.ID,
			ResourceName: s.FileName,
			Action:       audit.ActionExpire,
			Status:       audit.StatusSuccess,
			Details:      map[string]interface{}{"code": s.Code},
		})
	}

	span.SetAttributes(
		attribute.Int("reaper.removed", report.Removed),
		attribute.Int("reaper.failures", report.Failures),
	)
	r.recorder.SweepCompleted(report.Removed, report.Failures, time.Since(start))

	logrus.WithFields(logrus.Fields{
		"removed":  report.Removed,
		"failures": report.Failures,
		"as_of":    now,
	}).Info("Expired shares reaped")

	return report, nil
}

// releasablePaths returns the object paths of expired shares that no live
// share points at. Paths whose code cannot be checked are kept and counted
// as failures.
func (r *Reaper) releasablePaths(ctx context.Context, expired []*share.Share, now time.Time) ([]string, int) {
	inUse := make(map[string]bool)
	checked := make(map[string]bool)
	failed := make(map[string]bool)

	for _, s := range expired {
		if checked[s.Code] {
			continue
		}
		checked[s.Code] = true

		holders, err := r.store.FindByCode(ctx, s.Code)
		if err != nil {
			logrus.WithField("code", s.Code).WithError(err).Warn("Failed to check live shares before deleting objects")
			failed[s.Code] = true
			continue
		}
		for _, h := range holders {
			if h.IsLive(now) {
				inUse[h.ObjectPath] = true
			}
		}
	}

	paths := make([]string, 0, len(expired))
	failures := 0
	for _, s := range expired {
		switch {
		case failed[s.Code]:
			failures++
		case inUse[s.ObjectPath]:
			logrus.WithFields(logrus.Fields{
				"share_id": s.ID,
				"path":     s.ObjectPath,
			}).Warn("Expired share object is still used by a live share, keeping it")
		default:
			paths = append(paths, s.ObjectPath)
		}
	}
	return paths, failures
}
