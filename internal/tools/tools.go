// Package tools exposes the error service as MCP tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/miradorstack/mirador-errorwatch/internal/models"
	"github.com/miradorstack/mirador-errorwatch/internal/ratelimit"
	"github.com/miradorstack/mirador-errorwatch/internal/services"
	"github.com/miradorstack/mirador-errorwatch/internal/utils"
)

// ServerName identifies the MCP implementation to clients.
const ServerName = "mirador-errorwatch"

// DetectInput is the detect_errors argument.
type DetectInput struct {
	URL    string `json:"url" jsonschema:"page URL to inspect"`
	Caller string `json:"caller,omitempty" jsonschema:"identity used for rate limiting"`
}

// ReportInput is the report_errors argument.
type ReportInput struct {
	SessionID string                 `json:"session_id" jsonschema:"session returned by detect_errors"`
	Errors    []models.ErrorEnvelope `json:"errors" jsonschema:"errors to fold into the session"`
	Caller    string                 `json:"caller,omitempty" jsonschema:"identity used for rate limiting"`
}

// SessionInput addresses one session.
type SessionInput struct {
	SessionID string `json:"session_id" jsonschema:"session id"`
}

// ListInput filters list_sessions.
type ListInput struct {
	URL string `json:"url,omitempty" jsonschema:"only sessions for this URL, ignoring query and fragment"`
}

// SummaryInput is the get_summary argument.
type SummaryInput struct {
	SessionID string `json:"session_id" jsonschema:"session id"`
	TopN      int    `json:"top_n,omitempty" jsonschema:"number of recurring errors to list, default 5"`
}

// RateLimitInput is the get_rate_limit argument.
type RateLimitInput struct {
	Tier   string `json:"tier" jsonschema:"session_create or add_error"`
	Caller string `json:"caller,omitempty" jsonschema:"identity used for rate limiting"`
}

// SessionList wraps list_sessions output.
type SessionList struct {
	Sessions []models.SessionView `json:"sessions"`
}

// ToolError is the body of an IsError result.
type ToolError struct {
	Tool         string `json:"tool"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Tools binds MCP handlers to an ErrorService.
type Tools struct {
	logger  *slog.Logger
	service *services.ErrorService
}

// New constructs the tool set.
func New(logger *slog.Logger, service *services.ErrorService) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{logger: logger, service: service}
}

// NewServer returns an MCP server with every tool registered.
func NewServer(version string, t *Tools) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil)
	t.Register(server)
	return server
}

// Register adds the errorwatch tools to server.
func (t *Tools) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "detect_errors",
		Description: `Inspect a URL and store its client-side errors in a new session.
Example: detect_errors {url: "https://shop.example.com/checkout"} → {session, summary, accepted}`,
	}, t.detectErrors)

	mcp.AddTool(server, &mcp.Tool{
		Name: "report_errors",
		Description: `Add errors to an existing session. Errors with the same fingerprint are folded and their frequency summed.
Example: report_errors {session_id: "…", errors: [{type: "console", message: "deprecated api"}]}`,
	}, t.reportErrors)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_session",
		Description: `Return a live session with its deduplicated errors.`,
	}, t.getSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sessions",
		Description: `List live sessions, oldest first, optionally for one URL.`,
	}, t.listSessions)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_summary",
		Description: `Summarize a session: counts by type and severity plus the most frequent errors.`,
	}, t.getSummary)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_session",
		Description: `Delete a session and return its final state.`,
	}, t.deleteSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_rate_limit",
		Description: `Report the remaining requests for a caller in a rate-limit tier.`,
	}, t.getRateLimit)
}

func (t *Tools) detectErrors(ctx context.Context, _ *mcp.CallToolRequest, in DetectInput) (*mcp.CallToolResult, any, error) {
	res, err := t.service.DetectErrors(ctx, in.Caller, in.URL)
	return t.reply("detect_errors", res, err)
}

func (t *Tools) reportErrors(ctx context.Context, _ *mcp.CallToolRequest, in ReportInput) (*mcp.CallToolResult, any, error) {
	res, err := t.service.ReportErrors(ctx, in.Caller, models.SessionID(in.SessionID), in.Errors)
	return t.reply("report_errors", res, err)
}

func (t *Tools) getSession(ctx context.Context, _ *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, any, error) {
	res, err := t.service.GetSession(ctx, models.SessionID(in.SessionID))
	return t.reply("get_session", res, err)
}

func (t *Tools) listSessions(ctx context.Context, _ *mcp.CallToolRequest, in ListInput) (*mcp.CallToolResult, any, error) {
	res, err := t.service.ListSessions(ctx, in.URL)
	return t.reply("list_sessions", SessionList{Sessions: res}, err)
}

func (t *Tools) getSummary(ctx context.Context, _ *mcp.CallToolRequest, in SummaryInput) (*mcp.CallToolResult, any, error) {
	res, err := t.service.Summarize(ctx, models.SessionID(in.SessionID), in.TopN)
	return t.reply("get_summary", res, err)
}

func (t *Tools) deleteSession(ctx context.Context, _ *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, any, error) {
	res, err := t.service.DeleteSession(ctx, models.SessionID(in.SessionID))
	return t.reply("delete_session", res, err)
}

func (t *Tools) getRateLimit(_ context.Context, _ *mcp.CallToolRequest, in RateLimitInput) (*mcp.CallToolResult, any, error) {
	res, err := t.service.RateLimitStatus(in.Tier, in.Caller)
	return t.reply("get_rate_limit", res, err)
}

// reply maps service failures to IsError results carrying the error code
// and retry hint.
func (t *Tools) reply(tool string, out any, err error) (*mcp.CallToolResult, any, error) {
	if err == nil {
		return nil, out, nil
	}
	t.logger.Debug("tool call failed", slog.String("tool", tool), slog.Any("error", err))
	return errorResult(toolError(tool, err)), nil, nil
}

func toolError(tool string, err error) ToolError {
	te := ToolError{Tool: tool, Code: utils.CodeOf(err), Message: err.Error()}
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		te.RetryAfterMs = limitErr.RetryAfterDuration().Milliseconds()
	}
	return te
}

func errorResult(te ToolError) *mcp.CallToolResult {
	body, err := json.Marshal(te)
	if err != nil {
		body = fmt.Appendf(nil, "%s: %s", te.Code, te.Message)
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}
}
