package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rosterline.org/internal/ids"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/secure"
)

const (
	defaultAttemptTimeout = 2 * time.Second
	defaultMaxRetries     = 5
)

// Logger records security-relevant events through an append-only Store and
// mirrors each entry to the structured log.
type Logger struct {
	store          Store
	now            func() time.Time
	log            *zap.Logger
	newBackoff     func() backoff.BackOff
	attemptTimeout time.Duration
}

var _ Recorder = (*Logger)(nil)

// Option configures Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithZap overrides the structured logger.
func WithZap(z *zap.Logger) Option {
	return func(l *Logger) {
		if z != nil {
			l.log = z
		}
	}
}

// WithBackoff overrides the retry policy applied to each append.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(l *Logger) {
		if fn != nil {
			l.newBackoff = fn
		}
	}
}

// WithAttemptTimeout bounds each individual append attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.attemptTimeout = d
		}
	}
}

// NewLogger constructs a Logger over store.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{
		store:          store,
		now:            time.Now,
		log:            obs.Logger(),
		attemptTimeout: defaultAttemptTimeout,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, defaultMaxRetries)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one entry for ev and returns its id. The write is detached
// from ctx's cancellation so a request aborted after the action still leaves
// its audit trail. When retries are exhausted the entry is logged in full,
// the degraded signal is raised and ErrStorageUnavailable is returned.
func (l *Logger) Record(ctx context.Context, ev Event) (string, error) {
	entry, err := l.build(ctx, ev)
	if err != nil {
		return "", err
	}

	detached := context.WithoutCancel(ctx)
	attempt := func() error {
		actx, cancel := context.WithTimeout(detached, l.attemptTimeout)
		defer cancel()
		return l.store.Append(actx, entry)
	}
	notify := func(err error, wait time.Duration) {
		obs.RecordAuditRetry()
		l.log.Warn("audit append retry", zap.String("entry_id", entry.ID), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(attempt, l.newBackoff(), notify); err != nil {
		obs.SetAuditDegraded(true)
		l.mirror(zapcore.ErrorLevel, "audit append failed", entry, zap.Error(err))
		return "", secure.Unavailable("audit append", err)
	}
	obs.SetAuditDegraded(false)
	l.mirror(zapcore.InfoLevel, "audit", entry)
	return entry.ID, nil
}

// Query returns org-scoped entries newest first.
func (l *Logger) Query(ctx context.Context, orgID string, f Filter, p Page) ([]Entry, string, error) {
	orgID = strings.TrimSpace(orgID)
	if err := f.Validate(orgID); err != nil {
		return nil, "", err
	}
	return l.store.Query(ctx, orgID, f, p.Normalize())
}

// Validate reports whether f can be run against orgID.
func (f Filter) Validate(orgID string) error {
	if strings.TrimSpace(orgID) == "" {
		return fmt.Errorf("%w: organization is required", ErrInvalidQuery)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return fmt.Errorf("%w: until before since", ErrInvalidQuery)
	}
	if f.Action != "" && !f.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidQuery, f.Action)
	}
	return nil
}

func (l *Logger) build(ctx context.Context, ev Event) (Entry, error) {
	if !ev.Action.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, ev.Action)
	}
	switch ev.Outcome {
	case "":
		ev.Outcome = OutcomeSuccess
	case OutcomeSuccess, OutcomeFailure:
	default:
		return Entry{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidEvent, ev.Outcome)
	}

	actorID, orgID := ActorFromContext(ctx)
	if ev.ActorID == "" {
		ev.ActorID = actorID
	}
	if ev.OrganizationID == "" {
		ev.OrganizationID = orgID
	}
	if ev.OrganizationID == "" {
		ev.OrganizationID = SystemOrganization
	}
	meta := RequestMetaFromContext(ctx)
	if ev.IP == "" {
		ev.IP = meta.IP
	}
	if ev.UserAgent == "" {
		ev.UserAgent = meta.UserAgent
	}

	before, err := marshalState(ev.Before)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: before: %v", ErrInvalidEvent, err)
	}
	after, err := marshalState(ev.After)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: after: %v", ErrInvalidEvent, err)
	}

	now := l.now().UTC()
	return Entry{
		ID:             ids.NewAt(now),
		OccurredAt:     now,
		OrganizationID: ev.OrganizationID,
		ActorID:        ev.ActorID,
		Action:         ev.Action,
		ResourceType:   ev.ResourceType,
		ResourceID:     ev.ResourceID,
		Before:         before,
		After:          after,
		Outcome:        ev.Outcome,
		FailureReason:  ev.FailureReason,
		IP:             ev.IP,
		UserAgent:      ev.UserAgent,
		RequestID:      RequestIDFromContext(ctx),
		TraceID:        obs.TraceID(ctx),
	}, nil
}

func marshalState(state map[string]any) (json.RawMessage, error) {
	if state == nil {
		return nil, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// mirror writes entry to the structured log.
func (l *Logger) mirror(level zapcore.Level, msg string, entry Entry, extra ...zap.Field) {
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("entry_id", entry.ID),
		zap.Time("occurred_at", entry.OccurredAt),
		zap.String("organization_id", entry.OrganizationID),
		zap.String("action", string(entry.Action)),
		zap.String("outcome", string(entry.Outcome)),
	}
	if entry.ActorID != "" {
		fields = append(fields, zap.String("actor_id", entry.ActorID))
	}
	if entry.ResourceType != "" {
		fields = append(fields, zap.String("resource_type", entry.ResourceType), zap.String("resource_id", entry.ResourceID))
	}
	if entry.FailureReason != "" {
		fields = append(fields, zap.String("failure_reason", entry.FailureReason))
	}
	if entry.RequestID != "" {
		fields = append(fields, zap.String("request_id", entry.RequestID))
	}
	if entry.TraceID != "" {
		fields = append(fields, zap.String("trace_id", entry.TraceID))
	}
	if level >= zapcore.ErrorLevel {
		// The entry did not reach the store; the log line is its only copy.
		fields = append(fields,
			zap.ByteString("before", entry.Before),
			zap.ByteString("after", entry.After),
			zap.String("ip", entry.IP),
			zap.String("user_agent", entry.UserAgent),
		)
	}
	if ce := l.log.Check(level, msg); ce != nil {
		ce.Write(append(fields, extra...)...)
	}
}
