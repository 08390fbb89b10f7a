package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/codedrop/codedrop/internal/clock"
	"github.com/codedrop/codedrop/internal/config"
	"github.com/codedrop/codedrop/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("codedrop-share")

// Config alias for share limits
type Config = config.ShareConfig

// Recorder receives share operation outcomes for metrics
type Recorder interface {
	ShareCreated(fileType string, size int64)
	ShareFetched(outcome string)
	ShareRemoved(outcome string)
	CodeCollision()
}

type noopRecorder struct{}

func (noopRecorder) ShareCreated(string, int64) {}
func (noopRecorder) ShareFetched(string)        {}
func (noopRecorder) ShareRemoved(string)        {}
func (noopRecorder) CodeCollision()             {}

// CreateRequest describes an upload. Content must be positioned at the start
// of the file; it is rewound when a code collision forces a retry.
type CreateRequest struct {
	Owner      *Identity
	FileName   string
	FileType   string
	FileSize   int64
	Content    io.ReadSeeker
	Visibility Visibility
}

// Service implements create, fetch, list and remove over a Store and a storage Backend
type Service struct {
	store     Store
	objects   storage.Backend
	cfg       Config
	allowed   map[string]bool
	clock     clock.Clock
	codes     CodeGenerator
	directory Directory
	metrics   Recorder
}

// NewService creates a share service. Zero limits fall back to the defaults.
func NewService(store Store, objects storage.Backend, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 50 << 20
	}
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = 5
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = config.DefaultAllowedTypes
	}

	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}

	return &Service{
		store:   store,
		objects: objects,
		cfg:     cfg,
		allowed: allowed,
		clock:   clock.Real{},
		codes:   NewRandomCodeGenerator(),
		metrics: noopRecorder{},
	}
}

// SetClock replaces the time source
func (s *Service) SetClock(c clock.Clock) {
	s.clock = c
}

// SetCodeGenerator replaces the code source
func (s *Service) SetCodeGenerator(g CodeGenerator) {
	s.codes = g
}

// SetDirectory enables grantee validation against a user directory
func (s *Service) SetDirectory(d Directory) {
	s.directory = d
}

// SetMetrics sets the metrics recorder
func (s *Service) SetMetrics(r Recorder) {
	if r == nil {
		r = noopRecorder{}
	}
	s.metrics = r
}

// Config returns the effective limits
func (s *Service) Config() Config {
	return s.cfg
}

// now is truncated to the millisecond precision the stores keep
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// Create uploads the file bytes and records a new share under a fresh code
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Share, error) {
	ctx, span := tracer.Start(ctx, "share.create", trace.WithAttributes(
		attribute.String("file_type", req.FileType),
		attribute.Int64("file_size", req.FileSize),
	))
	defer span.End()

	visibility, err := s.validateCreate(ctx, &req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	now := s.now()

	for attempt := 1; attempt <= s.cfg.MaxCodeAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}
		code = NormalizeCode(code)

		objectPath := ObjectPath(req.Owner.ID, code, req.FileName)
		held, err := s.codeTaken(ctx, code, objectPath, now)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		if held {
			s.collision(code, attempt)
			continue
		}

		if attempt > 1 {
			if _, err := req.Content.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("failed to rewind upload: %w", err)
			}
		}

		share := &Share{
			ID:         uuid.New().String(),
			Code:       code,
			Owner:      req.Owner.ID,
			FileName:   req.FileName,
			FileType:   req.FileType,
			FileSize:   req.FileSize,
			ObjectPath: objectPath,
			Visibility: visibility,
			CreatedAt:  now,
			ExpireAt:   now.Add(s.cfg.TTL),
		}

		if err := s.writeBlob(ctx, share, req.Content); err != nil {
			recordSpanError(span, err)
			return nil, err
		}

		err = s.store.Insert(ctx, share)
		if err == nil {
			span.SetAttributes(attribute.String("share_id", share.ID), attribute.Int("attempts", attempt))
			s.metrics.ShareCreated(share.FileType, share.FileSize)
			logrus.WithFields(logrus.Fields{
				"share_id":   share.ID,
				"code":       share.Code,
				"owner":      share.Owner,
				"size":       share.FileSize,
				"visibility": share.Visibility.Kind,
			}).Info("Share created")
			return share, nil
		}

		s.discardBlob(ctx, share, now)

		if errors.Is(err, ErrConflict) {
			s.collision(code, attempt)
			continue
		}

		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to store share metadata: %w", err)
	}

	span.SetStatus(codes.Error, "code space exhausted")
	logrus.WithFields(logrus.Fields{
		"owner":    req.Owner.ID,
		"attempts": s.cfg.MaxCodeAttempts,
	}).Warn("Could not allocate a free share code")
	return nil, ErrExhausted
}

// Fetch resolves code for requester and opens the newest readable live share
func (s *Service) Fetch(ctx context.Context, code string, requester *Identity) (*Share, io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "share.fetch")
	defer span.End()

	readable, err := s.resolve(ctx, code, requester)
	if err != nil {
		s.metrics.ShareFetched(outcome(err))
		recordSpanError(span, err)
		return nil, nil, err
	}

	share := readable[0]
	span.SetAttributes(attribute.String("share_id", share.ID))

	reader, _, err := s.objects.Get(ctx, share.ObjectPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			// The reaper removed the bytes between lookup and read
			s.metrics.ShareFetched(string(CodeExpired))
			return nil, nil, NewErrorWithCause(CodeExpired, "share has expired", err)
		}
		recordSpanError(span, err)
		s.metrics.ShareFetched("error")
		return nil, nil, fmt.Errorf("failed to open share content: %w", err)
	}

	s.metrics.ShareFetched("ok")
	return share, reader, nil
}

// Lookup returns every live share under code that requester may read, newest first
func (s *Service) Lookup(ctx context.Context, code string, requester *Identity) ([]*Share, error) {
	ctx, span := tracer.Start(ctx, "share.lookup")
	defer span.End()

	readable, err := s.resolve(ctx, code, requester)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return readable, nil
}

// ListOwned returns the owner's live shares, newest first
func (s *Service) ListOwned(ctx context.Context, owner string) ([]*Share, error) {
	ctx, span := tracer.Start(ctx, "share.list_owned")
	defer span.End()

	shares, err := s.store.ListByOwner(ctx, owner)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}

	now := s.now()
	live := make([]*Share, 0, len(shares))
	for _, share := range shares {
		if share.IsLive(now) {
			live = append(live, share)
		}
	}
	return live, nil
}

// Remove deletes an owned share: bytes first, then metadata.
// A share that is already gone counts as removed.
func (s *Service) Remove(ctx context.Context, owner, id string) error {
	ctx, span := tracer.Start(ctx, "share.remove", trace.WithAttributes(attribute.String("share_id", id)))
	defer span.End()

	share, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.ShareRemoved("absent")
			return nil
		}
		recordSpanError(span, err)
		return fmt.Errorf("failed to load share: %w", err)
	}

	if share.Owner != owner {
		s.metrics.ShareRemoved(string(CodeForbidden))
		return ErrForbidden
	}

	shared, err := s.pathShared(ctx, share, s.now())
	if err != nil {
		recordSpanError(span, err)
		s.metrics.ShareRemoved("error")
		return err
	}
	if !shared {
		if err := s.objects.Delete(ctx, share.ObjectPath); err != nil {
			recordSpanError(span, err)
			s.metrics.ShareRemoved("error")
			return fmt.Errorf("failed to delete share content: %w", err)
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.ShareRemoved("ok")
			return nil
		}
		recordSpanError(span, err)
		s.metrics.ShareRemoved(string(CodePartialFailure))
		logrus.WithFields(logrus.Fields{
			"share_id": id,
			"code":     share.Code,
		}).WithError(err).Error("Share content deleted but metadata remains")
		return NewErrorWithCause(CodePartialFailure, "share content deleted but metadata removal failed", err)
	}

	s.metrics.ShareRemoved("ok")
	logrus.WithFields(logrus.Fields{
		"share_id": id,
		"code":     share.Code,
		"owner":    owner,
	}).Info("Share removed")
	return nil
}

// resolve applies the NotFound, Expired, Forbidden ladder and returns the readable live shares
func (s *Service) resolve(ctx context.Context, code string, requester *Identity) ([]*Share, error) {
	code = NormalizeCode(code)
	if !IsValidCode(code) {
		return nil, ErrNotFound
	}

	shares, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to look up code: %w", err)
	}
	if len(shares) == 0 {
		return nil, ErrNotFound
	}

	now := s.now()
	var live, readable []*Share
	for _, share := range shares {
		if !share.IsLive(now) {
			continue
		}
		live = append(live, share)
		if CanRead(share, requester, now) {
			readable = append(readable, share)
		}
	}

	if len(live) == 0 {
		return nil, ErrExpired
	}
	if len(readable) == 0 {
		return nil, ErrForbidden
	}
	return readable, nil
}

func (s *Service) validateCreate(ctx context.Context, req *CreateRequest) (Visibility, error) {
	if req.Owner == nil || req.Owner.ID == "" {
		return Visibility{}, validationError("owner is required")
	}
	if req.Content == nil {
		return Visibility{}, validationError("file content is required")
	}

	name := strings.TrimSpace(req.FileName)
	if name == "" || name == "." || name == ".." || name != path.Base(name) || strings.ContainsAny(name, "\\\x00") {
		return Visibility{}, validationError("invalid file name %q", req.FileName)
	}
	req.FileName = name

	req.FileType = strings.ToLower(strings.TrimSpace(req.FileType))
	if !s.allowed[req.FileType] {
		return Visibility{}, validationError("file type %q is not allowed", req.FileType)
	}

	if req.FileSize < 0 {
		return Visibility{}, validationError("file size must not be negative")
	}
	if req.FileSize > s.cfg.MaxFileSize {
		return Visibility{}, validationError("file size %d exceeds the %d byte limit", req.FileSize, s.cfg.MaxFileSize)
	}

	switch req.Visibility.Kind {
	case VisibilityPublic:
		return Public(), nil
	case VisibilityPrivate:
	default:
		return Visibility{}, validationError("unknown visibility %q", req.Visibility.Kind)
	}

	// The owner always reads a private share, so it is never stored as a grantee
	ownerName := strings.ToLower(strings.TrimSpace(req.Owner.Username))
	var grantees []string
	for _, g := range Private(req.Visibility.Grantees...).Grantees {
		if g != ownerName {
			grantees = append(grantees, g)
		}
	}
	if len(grantees) == 0 {
		return Visibility{}, validationError("private shares need at least one grantee")
	}

	if s.directory != nil {
		for _, g := range grantees {
			ok, err := s.directory.UserExists(ctx, g)
			if err != nil {
				return Visibility{}, fmt.Errorf("failed to check grantee: %w", err)
			}
			if !ok {
				return Visibility{}, validationError("unknown grantee %q", g)
			}
		}
	}

	return Visibility{Kind: VisibilityPrivate, Grantees: grantees}, nil
}

// codeTaken reports whether a live share holds code, or whether a share
// not yet reaped still owns objectPath. Reusing that path would let the
// reaper delete the new bytes.
func (s *Service) codeTaken(ctx context.Context, code, objectPath string, now time.Time) (bool, error) {
	shares, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return false, fmt.Errorf("failed to look up code: %w", err)
	}
	for _, share := range shares {
		if share.IsLive(now) || share.ObjectPath == objectPath {
			return true, nil
		}
	}
	return false, nil
}

// pathShared reports whether another live share points at share's object path
func (s *Service) pathShared(ctx context.Context, share *Share, now time.Time) (bool, error) {
	others, err := s.store.FindByCode(ctx, share.Code)
	if err != nil {
		return false, fmt.Errorf("failed to look up code: %w", err)
	}
	for _, other := range others {
		if other.ID != share.ID && other.ObjectPath == share.ObjectPath && other.IsLive(now) {
			return true, nil
		}
	}
	return false, nil
}

// writeBlob stores the content and checks it against the declared size
func (s *Service) writeBlob(ctx context.Context, share *Share, content io.Reader) error {
	counter := &countingReader{r: io.LimitReader(content, share.FileSize+1)}

	err := s.objects.Put(ctx, share.ObjectPath, counter, map[string]string{
		storage.MetaContentType: share.FileType,
		storage.MetaSize:        strconv.FormatInt(share.FileSize, 10),
		storage.MetaFileName:    share.FileName,
	})
	if err != nil {
		return fmt.Errorf("failed to store file: %w", err)
	}

	if counter.n != share.FileSize {
		s.deleteQuietly(ctx, share.ObjectPath)
		return validationError("uploaded %d bytes but declared %d", counter.n, share.FileSize)
	}
	return nil
}

// discardBlob removes the bytes of a share whose metadata was not stored,
// unless a live share under the same code still points at that path
func (s *Service) discardBlob(ctx context.Context, share *Share, now time.Time) {
	ctx = context.WithoutCancel(ctx)

	if shared, err := s.pathShared(ctx, share, now); err == nil && shared {
		return
	}
	s.deleteQuietly(ctx, share.ObjectPath)
}

func (s *Service) deleteQuietly(ctx context.Context, objectPath string) {
	if err := s.objects.Delete(context.WithoutCancel(ctx), objectPath); err != nil {
		logrus.WithField("path", objectPath).WithError(err).Warn("Failed to delete orphaned share content")
	}
}

func (s *Service) collision(code string, attempt int) {
	s.metrics.CodeCollision()
	logrus.WithFields(logrus.Fields{
		"code":    code,
		"attempt": attempt,
	}).Debug("Share code collision")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// outcome labels an error for metrics
func outcome(err error) string {
	var shareErr *Error
	if errors.As(err, &shareErr) {
		return string(shareErr.Code)
	}
	return "error"
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
