package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-errorwatch/internal/config"
	"github.com/miradorstack/mirador-errorwatch/internal/detector"
	"github.com/miradorstack/mirador-errorwatch/internal/metrics"
	"github.com/miradorstack/mirador-errorwatch/internal/models"
	"github.com/miradorstack/mirador-errorwatch/internal/ratelimit"
	"github.com/miradorstack/mirador-errorwatch/internal/repository"
	"github.com/miradorstack/mirador-errorwatch/internal/result"
	"github.com/miradorstack/mirador-errorwatch/internal/session"
	"github.com/miradorstack/mirador-errorwatch/internal/summary"
	"github.com/miradorstack/mirador-errorwatch/internal/utils"
)

// AnonymousCaller is the rate-limit key used when a caller does not identify itself.
const AnonymousCaller = "anonymous"

// Rejection describes one error that was not stored.
type Rejection struct {
	Index      int    `json:"index"`
	ErrorID    string `json:"errorId,omitempty"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retryAfterSeconds,omitempty"`
}

// ReportResult is the outcome of ReportErrors.
type ReportResult struct {
	Session  models.SessionView `json:"session"`
	Accepted int                `json:"accepted"`
	Rejected []Rejection        `json:"rejected,omitempty"`
}

// DetectResult is the outcome of DetectErrors.
type DetectResult struct {
	Session  models.SessionView `json:"session"`
	Summary  summary.Report     `json:"summary"`
	Accepted int                `json:"accepted"`
	Rejected []Rejection        `json:"rejected,omitempty"`
}

// TierStatus is a read-only view of one caller's bucket in one tier.
type TierStatus struct {
	Tier     string  `json:"tier"`
	Caller   string  `json:"caller"`
	Tokens   float64 `json:"tokens"`
	Limit    int     `json:"limit"`
	WindowMs int64   `json:"windowMs"`
}

// Option customizes an ErrorService.
type Option func(*ErrorService)

// WithClock overrides the clock used for decoding defaults and summaries.
func WithClock(clock func() time.Time) Option {
	return func(s *ErrorService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// ErrorService is the caller-facing facade shared by the gRPC and MCP
// surfaces: admission, then the session repository, then summaries.
type ErrorService struct {
	logger    *slog.Logger
	sessions  *session.Repository
	limiter   *ratelimit.MultiTier
	detector  detector.Detector
	latencies *utils.LatencyTracker
	observed  atomic.Int64
	now       func() time.Time
}

// NewErrorService constructs the service facade. sessions and limiter are
// required; without a detector DetectErrors reports unavailable.
func NewErrorService(logger *slog.Logger, sessions *session.Repository, limiter *ratelimit.MultiTier, det detector.Detector, opts ...Option) (*ErrorService, error) {
	if sessions == nil {
		return nil, errors.New("services: session repository is required")
	}
	if limiter == nil {
		return nil, errors.New("services: rate limiter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &ErrorService{
		logger:    logger,
		sessions:  sessions,
		limiter:   limiter,
		detector:  det,
		latencies: utils.NewLatencyTracker(1024),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DetectErrors runs the detector against url, stores what it found in a new
// session and returns the session with its summary. The session is
// completed once every detected error has been offered.
func (s *ErrorService) DetectErrors(ctx context.Context, caller, url string) (DetectResult, error) {
	const op = "DetectErrors"
	if url == "" {
		return DetectResult{}, utils.NewCodedError(op, utils.CodeInvalid, "url is required", nil)
	}
	if s.detector == nil {
		return DetectResult{}, utils.NewCodedError(op, utils.CodeUnavailable, "detector not configured", nil)
	}
	if err := s.admit(config.TierSessionCreate, caller); err != nil {
		return DetectResult{}, s.fail(op, err)
	}

	detection, err := s.detector.Detect(ctx, url)
	if err != nil {
		s.logger.Error("detector failed", slog.String("url", url), slog.Any("error", err))
		return DetectResult{}, utils.NewCodedError(op, utils.CodeUnavailable, "detection failed", err)
	}
	if detection.URL == "" {
		detection.URL = url
	}

	id, err := s.sessions.CreateSession(ctx, detection.URL, detection.Metadata, "").Unpack()
	if err != nil {
		return DetectResult{}, s.fail(op, err)
	}

	accepted, rejected, _, err := s.addAll(ctx, caller, id, detection.Errors)
	if err != nil {
		s.discard(ctx, id)
		return DetectResult{}, s.fail(op, err)
	}

	completed, err := s.sessions.CompleteSession(ctx, id, time.Time{}).Unpack()
	if err != nil {
		return DetectResult{}, s.fail(op, err)
	}

	now := s.now()
	s.logger.Info("detection stored",
		slog.String("session_id", string(id)),
		slog.String("url", detection.URL),
		slog.Int("accepted", accepted),
		slog.Int("rejected", len(rejected)),
	)
	return DetectResult{
		Session:  models.View(completed, now),
		Summary:  summary.Summarize(completed, now, summary.DefaultTopN),
		Accepted: accepted,
		Rejected: rejected,
	}, nil
}

// CreateSession opens an empty session for url.
func (s *ErrorService) CreateSession(ctx context.Context, caller, url string, metadata models.Metadata) (models.SessionView, error) {
	const op = "CreateSession"
	if err := s.admit(config.TierSessionCreate, caller); err != nil {
		return models.SessionView{}, s.fail(op, err)
	}
	id, err := s.sessions.CreateSession(ctx, url, metadata, "").Unpack()
	if err != nil {
		return models.SessionView{}, s.fail(op, err)
	}
	return s.GetSession(ctx, id)
}

// ReportErrors decodes envelopes and folds each into session id. Errors that
// fail decoding, admission or the per-session cap are reported as
// rejections; a missing or expired session fails the whole call, as does a
// call where admission refused the first error.
func (s *ErrorService) ReportErrors(ctx context.Context, caller string, id models.SessionID, envs []models.ErrorEnvelope) (ReportResult, error) {
	const op = "ReportErrors"
	if id == "" {
		return ReportResult{}, utils.NewCodedError(op, utils.CodeInvalid, "session id is required", nil)
	}
	if _, err := s.sessions.GetSession(ctx, id).Unpack(); err != nil {
		return ReportResult{}, s.fail(op, err)
	}

	now := s.now()
	var (
		decoded  []models.WebError
		indexes  []int
		rejected []Rejection
	)
	for i, env := range envs {
		webErr, err := env.Decode(now)
		if err != nil {
			metrics.ObserveIngest(env.Type, metrics.OutcomeRejected)
			rejected = append(rejected, Rejection{Index: i, ErrorID: env.ID, Code: utils.CodeInvalid, Reason: err.Error()})
			continue
		}
		decoded = append(decoded, webErr)
		indexes = append(indexes, i)
	}

	accepted, addRejected, limited, err := s.addAll(ctx, caller, id, decoded)
	if err != nil {
		return ReportResult{}, s.fail(op, err)
	}
	if accepted == 0 && limited != nil {
		return ReportResult{}, s.fail(op, limited)
	}
	for _, r := range addRejected {
		r.Index = indexes[r.Index]
		rejected = append(rejected, r)
	}

	current, err := s.sessions.GetSession(ctx, id).Unpack()
	if err != nil {
		return ReportResult{}, s.fail(op, err)
	}
	return ReportResult{Session: models.View(current, s.now()), Accepted: accepted, Rejected: rejected}, nil
}

// GetSession returns the live session.
func (s *ErrorService) GetSession(ctx context.Context, id models.SessionID) (models.SessionView, error) {
	current, err := s.sessions.GetSession(ctx, id).Unpack()
	if err != nil {
		return models.SessionView{}, s.fail("GetSession", err)
	}
	return models.View(current, s.now()), nil
}

// ListSessions returns live sessions, oldest first. A non-empty urlFilter
// keeps sessions for that URL, ignoring query and fragment.
func (s *ErrorService) ListSessions(ctx context.Context, urlFilter string) ([]models.SessionView, error) {
	var res result.Result[[]models.ErrorSession]
	if urlFilter != "" {
		res = s.sessions.FindByURL(ctx, urlFilter)
	} else {
		res = s.sessions.FindSessions(ctx, nil)
	}
	found, err := res.Unpack()
	if err != nil {
		return nil, s.fail("ListSessions", err)
	}
	now := s.now()
	views := make([]models.SessionView, 0, len(found))
	for _, sess := range found {
		views = append(views, models.View(sess, now))
	}
	return views, nil
}

// DeleteSession removes a live session and returns its final state.
func (s *ErrorService) DeleteSession(ctx context.Context, id models.SessionID) (models.SessionView, error) {
	deleted, err := s.sessions.DeleteSession(ctx, id).Unpack()
	if err != nil {
		return models.SessionView{}, s.fail("DeleteSession", err)
	}
	return models.View(deleted, s.now()), nil
}

// CompleteSession records the end time of a session. A zero end means now.
func (s *ErrorService) CompleteSession(ctx context.Context, id models.SessionID, end time.Time) (models.SessionView, error) {
	completed, err := s.sessions.CompleteSession(ctx, id, end).Unpack()
	if err != nil {
		return models.SessionView{}, s.fail("CompleteSession", err)
	}
	return models.View(completed, s.now()), nil
}

// Summarize reports the topN recurring errors of a session.
func (s *ErrorService) Summarize(ctx context.Context, id models.SessionID, topN int) (summary.Report, error) {
	current, err := s.sessions.GetSession(ctx, id).Unpack()
	if err != nil {
		return summary.Report{}, s.fail("Summarize", err)
	}
	return summary.Summarize(current, s.now(), topN), nil
}

// RateLimitStatus reports the caller's remaining tokens in tier.
func (s *ErrorService) RateLimitStatus(tier, caller string) (TierStatus, error) {
	lim, ok := s.limiter.Tier(tier)
	if !ok {
		return TierStatus{}, utils.NewCodedError("RateLimitStatus", utils.CodeNotFound, fmt.Sprintf("unknown tier %q", tier), nil)
	}
	caller = callerKey(caller)
	return TierStatus{
		Tier:     tier,
		Caller:   caller,
		Tokens:   lim.GetTokens(caller),
		Limit:    lim.Limit(),
		WindowMs: lim.Window().Milliseconds(),
	}, nil
}

// AddErrorLatency summarizes the most recent add-error latencies.
func (s *ErrorService) AddErrorLatency() utils.LatencySnapshot {
	return s.latencies.Snapshot()
}

// addAll offers each error to the session under add_error admission. Once
// admission refuses an error the remaining ones are rejected with the same
// retry hint, which is also returned. Session-level failures abort.
func (s *ErrorService) addAll(ctx context.Context, caller string, id models.SessionID, webErrs []models.WebError) (int, []Rejection, *ratelimit.LimitError, error) {
	var (
		accepted int
		rejected []Rejection
		limited  *ratelimit.LimitError
	)
	for i, webErr := range webErrs {
		errID := webErr.Common().ID
		if limited == nil {
			if err := s.admit(config.TierAddError, caller); err != nil {
				errors.As(err, &limited)
			}
		}
		if limited != nil {
			metrics.ObserveIngest(webErr.Type(), metrics.OutcomeRejected)
			rejected = append(rejected, Rejection{
				Index:      i,
				ErrorID:    errID,
				Code:       utils.CodeRateLimited,
				Reason:     limited.Error(),
				RetryAfter: limited.RetryAfter,
			})
			continue
		}

		start := time.Now()
		_, err := s.sessions.AddError(ctx, id, webErr).Unpack()
		s.observeAddError(time.Since(start))
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, session.ErrDeduplicationFailed), errors.Is(err, repository.ErrInvalidData):
			metrics.ObserveIngest(webErr.Type(), metrics.OutcomeRejected)
			rejected = append(rejected, Rejection{Index: i, ErrorID: errID, Code: classify(err), Reason: err.Error()})
		default:
			return accepted, rejected, limited, err
		}
	}
	return accepted, rejected, limited, nil
}

// discard drops a session whose detection could not be stored in full.
// The caller's ctx may already be cancelled.
func (s *ErrorService) discard(ctx context.Context, id models.SessionID) {
	if err := s.sessions.DeleteSession(context.WithoutCancel(ctx), id).Error(); err != nil {
		s.logger.Warn("discard partial detection", slog.String("session_id", string(id)), slog.Any("error", err))
	}
}

func (s *ErrorService) admit(tier, caller string) error {
	err := s.limiter.CheckLimit(tier, callerKey(caller)).Error()
	if err != nil {
		metrics.ObserveRateLimited(tier)
		s.logger.Warn("request rate limited", slog.String("tier", tier), slog.String("caller", callerKey(caller)))
	}
	return err
}

func (s *ErrorService) observeAddError(d time.Duration) {
	s.latencies.Observe(d)
	metrics.ObserveAddError(d)
	if n := s.observed.Add(1); n%100 == 0 {
		s.logger.Debug("add error latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int64("observed", n))
	}
}

// fail wraps err in an AppError carrying the code callers switch on.
func (s *ErrorService) fail(op string, err error) error {
	code := classify(err)
	if code == utils.CodeInternal {
		s.logger.Error("operation failed", slog.String("op", op), slog.Any("error", err))
	}
	return utils.NewCodedError(op, code, codeMessage(code), err)
}

func classify(err error) string {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return utils.CodeRateLimited
	case errors.Is(err, session.ErrSessionExpired):
		return utils.CodeSessionExpired
	case errors.Is(err, session.ErrDeduplicationFailed):
		return utils.CodeDeduplicationFailed
	case errors.Is(err, repository.ErrNotFound):
		return utils.CodeNotFound
	case errors.Is(err, repository.ErrAlreadyExists):
		return utils.CodeAlreadyExists
	case errors.Is(err, repository.ErrInvalidData):
		return utils.CodeInvalid
	case errors.Is(err, repository.ErrStorage), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return utils.CodeUnavailable
	default:
		return utils.CodeInternal
	}
}

func codeMessage(code string) string {
	switch code {
	case utils.CodeRateLimited:
		return "rate limit exceeded"
	case utils.CodeSessionExpired:
		return "session expired"
	case utils.CodeDeduplicationFailed:
		return "session error capacity reached"
	case utils.CodeNotFound:
		return "session not found"
	case utils.CodeAlreadyExists:
		return "session already exists"
	case utils.CodeInvalid:
		return "invalid request"
	case utils.CodeUnavailable:
		return "temporarily unavailable"
	default:
		return "internal error"
	}
}

func callerKey(caller string) string {
	if caller == "" {
		return AnonymousCaller
	}
	return caller
}
