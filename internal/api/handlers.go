package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-errorwatch/internal/models"
	"github.com/miradorstack/mirador-errorwatch/internal/ratelimit"
	"github.com/miradorstack/mirador-errorwatch/internal/services"
	"github.com/miradorstack/mirador-errorwatch/internal/utils"
)

// CallerMetadataKey is the request header naming the caller for rate
// limiting when the request body does not.
const CallerMetadataKey = "x-errorwatch-caller"

// DetectRequest asks for a detection run against URL.
type DetectRequest struct {
	Caller string `json:"caller,omitempty"`
	URL    string `json:"url"`
}

// CreateSessionRequest opens an empty session.
type CreateSessionRequest struct {
	Caller   string          `json:"caller,omitempty"`
	URL      string          `json:"url"`
	Metadata models.Metadata `json:"metadata,omitempty"`
}

// ReportErrorsRequest adds errors to an existing session.
type ReportErrorsRequest struct {
	Caller    string                 `json:"caller,omitempty"`
	SessionID models.SessionID       `json:"sessionId"`
	Errors    []models.ErrorEnvelope `json:"errors"`
}

// SessionRequest addresses one session.
type SessionRequest struct {
	SessionID models.SessionID `json:"sessionId"`
	TopN      int              `json:"topN,omitempty"`
	EndTime   string           `json:"endTime,omitempty"`
}

// ListSessionsRequest filters sessions by URL.
type ListSessionsRequest struct {
	URL string `json:"url,omitempty"`
}

// RateLimitRequest asks for a caller's bucket in a tier.
type RateLimitRequest struct {
	Caller string `json:"caller,omitempty"`
	Tier   string `json:"tier"`
}

// ListSessionsResponse wraps the session list, since a Struct must be an object.
type ListSessionsResponse struct {
	Sessions []models.SessionView `json:"sessions"`
}

// Handler implements ErrorWatchServer on top of the service layer.
type Handler struct {
	logger  *slog.Logger
	service *services.ErrorService
}

// NewHandler constructs the gRPC facade.
func NewHandler(logger *slog.Logger, service *services.ErrorService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

func (h *Handler) DetectErrors(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in DetectRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, err
	}
	res, err := h.service.DetectErrors(ctx, callerFrom(ctx, in.Caller), in.URL)
	return h.respond("DetectErrors", res, err)
}

func (h *Handler) CreateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in CreateSessionRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, err
	}
	res, err := h.service.CreateSession(ctx, callerFrom(ctx, in.Caller), in.URL, in.Metadata)
	return h.respond("CreateSession", res, err)
}

func (h *Handler) ReportErrors(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ReportErrorsRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, err
	}
	res, err := h.service.ReportErrors(ctx, callerFrom(ctx, in.Caller), in.SessionID, in.Errors)
	return h.respond("ReportErrors", res, err)
}

func (h *Handler) GetSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SessionRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, err
	}
	res, err := h.service.GetSession(ctx, in.SessionID)
	return h.respond("GetSession", res, err)
}

func (h *Handler) ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ListSessionsRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, err
	}
	res, err := h.service.ListSessions(ctx, in.URL)
	return h.respond("ListSessions", ListSessionsResponse{Sessions: res}, err)
}

func (h *Handler) CompleteSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SessionRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, err
	}
	var end time.Time
	if in.EndTime != "" {
		parsed, err := utils.ParseRFC3339(in.EndTime)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		end = parsed
	}
	res, err := h.service.CompleteSession(ctx, in.SessionID, end)
	return h.respond("CompleteSession", res, err)
}

func (h *Handler) DeleteSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SessionRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, err
	}
	res, err := h.service.DeleteSession(ctx, in.SessionID)
	return h.respond("DeleteSession", res, err)
}

func (h *Handler) GetSummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SessionRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, err
	}
	res, err := h.service.Summarize(ctx, in.SessionID, in.TopN)
	return h.respond("GetSummary", res, err)
}

func (h *Handler) GetRateLimit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in RateLimitRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, err
	}
	res, err := h.service.RateLimitStatus(in.Tier, callerFrom(ctx, in.Caller))
	return h.respond("GetRateLimit", res, err)
}

func (h *Handler) respond(method string, res any, err error) (*structpb.Struct, error) {
	if err != nil {
		h.logger.Debug("request failed", slog.String("method", method), slog.Any("error", err))
		return nil, ToStatus(err)
	}
	out, err := ToStruct(res)
	if err != nil {
		h.logger.Error("encode response", slog.String("method", method), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// FromStruct decodes a Struct request into dst through its JSON form.
func FromStruct(req *structpb.Struct, dst any) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	data, err := protojson.Marshal(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("decode request: %v", err))
	}
	return nil
}

// ToStruct encodes a JSON-serializable value as a Struct. v must encode to
// a JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToStatus maps a service error onto a gRPC status. Rate-limit failures
// carry a RetryInfo detail.
func ToStatus(err error) error {
	code := utils.CodeOf(err)
	var grpcCode codes.Code
	switch code {
	case utils.CodeNotFound, utils.CodeSessionExpired:
		grpcCode = codes.NotFound
	case utils.CodeAlreadyExists:
		grpcCode = codes.AlreadyExists
	case utils.CodeInvalid:
		grpcCode = codes.InvalidArgument
	case utils.CodeDeduplicationFailed:
		grpcCode = codes.FailedPrecondition
	case utils.CodeRateLimited:
		grpcCode = codes.ResourceExhausted
	case utils.CodeUnavailable:
		grpcCode = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}

	st := status.New(grpcCode, fmt.Sprintf("%s: %v", code, err))
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		if detailed, derr := st.WithDetails(&errdetails.RetryInfo{
			RetryDelay: durationpb.New(limitErr.RetryAfterDuration()),
		}); derr == nil {
			st = detailed
		}
	}
	return st.Err()
}

// RetryAfter extracts the RetryInfo delay from a status error.
func RetryAfter(err error) (time.Duration, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok {
			return info.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, false
}

func callerFrom(ctx context.Context, caller string) string {
	if caller != "" {
		return caller
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(CallerMetadataKey); len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
