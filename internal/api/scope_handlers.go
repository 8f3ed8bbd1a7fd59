package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veridocs/ledger/internal/archive"
	"github.com/veridocs/ledger/internal/audit"
	"github.com/veridocs/ledger/internal/middleware"
	"github.com/veridocs/ledger/internal/validate"
)

// ExportArchiver stores finished exports and presigns downloads for them.
// Nil means archiving is not configured and export requests must stream.
type ExportArchiver interface {
	Store(ctx context.Context, key, contentType string, body io.Reader, meta map[string]string) error
	PresignDownload(ctx context.Context, key string) (*archive.DownloadURL, error)
}

// ScopeHandlers holds dependencies for scope-level ledger endpoints.
type ScopeHandlers struct {
	ledger   *audit.Ledger
	archiver ExportArchiver
}

// NewScopeHandlers creates a new ScopeHandlers instance. archiver may be nil.
func NewScopeHandlers(ledger *audit.Ledger, archiver ExportArchiver) *ScopeHandlers {
	return &ScopeHandlers{
		ledger:   ledger,
		archiver: archiver,
	}
}

// ScopesResponse lists the scopes present in the ledger.
type ScopesResponse struct {
	Scopes []string `json:"scopes"`
	Count  int      `json:"count"`
}

// LogsResponse is one page of audit records plus paging info.
type LogsResponse struct {
	Logs   []*audit.Record `json:"logs"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// ArchiveExportResponse points at an export stored in the archive bucket.
type ArchiveExportResponse struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	Records   int       `json:"records"`
}

// ListScopes returns the distinct scope IDs present in the ledger.
// GET /scopes
func (h *ScopeHandlers) ListScopes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	scopes, err := h.ledger.Scopes(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list scopes", "error", err)
		ctx := middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}
	if scopes == nil {
		scopes = []string{}
	}

	writeJSON(w, ctx, http.StatusOK, ScopesResponse{Scopes: scopes, Count: len(scopes)})
}

// Logs returns a filtered, paged view of a scope's audit records.
// GET /scopes/{id}/logs
func (h *ScopeHandlers) Logs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	// Expected: /scopes/{id}/logs
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/scopes/"), "/")
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] != "logs" {
		ctx := middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid URL path")
		return
	}
	scopeID, err := validate.ScopeID(pathParts[0])
	if err != nil {
		ctx := middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("Invalid scope ID %q", pathParts[0]))
		return
	}
	ctx = middleware.SetScopeID(ctx, scopeID)

	query := r.URL.Query()

	category := audit.Category(query.Get("category"))
	if category != "" && !category.Valid() {
		ctx := middleware.SetErrorCode(ctx, ErrCodeInvalidCategory)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCategory,
			fmt.Sprintf("Unknown category %q", string(category)))
		return
	}

	from, to, errMsg := parseTimeWindow(r)
	if errMsg != "" {
		ctx := middleware.SetErrorCode(ctx, ErrCodeInvalidTimeRange)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidTimeRange, errMsg)
		return
	}

	limit, offset, errMsg := parsePagination(r)
	if errMsg != "" {
		ctx := middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, errMsg)
		return
	}

	filter := audit.Filter{
		ScopeID:    scopeID,
		Category:   category,
		ActorID:    query.Get("actor"),
		Action:     query.Get("action"),
		Resource:   query.Get("resource"),
		ResourceID: query.Get("resource_id"),
		From:       from,
		To:         to,
		Search:     query.Get("q"),
	}

	logs, total, err := h.ledger.Query(ctx, filter, limit, offset)
	if err != nil {
		if errors.Is(err, audit.ErrMissingScopeID) || errors.Is(err, audit.ErrInvalidCategory) {
			ctx := middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		slog.ErrorContext(ctx, "failed to query audit logs",
			"error", err,
			"scope_id", scopeID,
		)
		ctx := middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}
	if logs == nil {
		logs = []*audit.Record{}
	}

	writeJSON(w, ctx, http.StatusOK, LogsResponse{
		Logs:   logs,
		Total:  total,
		Limit:  effectiveLimit(limit),
		Offset: offset,
	})
}

// Verify walks a scope's chains and reports the first integrity finding.
// With ?category= it verifies a single chain; without, the whole scope.
// GET /scopes/{id}/verify
func (h *ScopeHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	// Expected: /scopes/{id}/verify
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/scopes/"), "/")
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] != "verify" {
		ctx := middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid URL path")
		return
	}
	scopeID, err := validate.ScopeID(pathParts[0])
	if err != nil {
		ctx := middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("Invalid scope ID %q", pathParts[0]))
		return
	}
	ctx = middleware.SetScopeID(ctx, scopeID)

	rawCategory := r.URL.Query().Get("category")
	if rawCategory == "" {
		report, err := h.ledger.VerifyScope(ctx, scopeID)
		if err != nil {
			h.writeVerifyError(w, ctx, scopeID, err)
			return
		}
		writeJSON(w, ctx, http.StatusOK, report)
		return
	}

	category := audit.Category(rawCategory)
	if !category.Valid() {
		ctx := middleware.SetErrorCode(ctx, ErrCodeInvalidCategory)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCategory,
			fmt.Sprintf("Unknown category %q", rawCategory))
		return
	}

	result, err := h.ledger.Verify(ctx, scopeID, category)
	if err != nil {
		h.writeVerifyError(w, ctx, scopeID, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, result)
}

// writeVerifyError maps verification infrastructure failures to responses.
// Integrity findings are not errors; they come back inside the report body.
func (h *ScopeHandlers) writeVerifyError(w http.ResponseWriter, ctx context.Context, scopeID string, err error) {
	if errors.Is(err, audit.ErrMissingScopeID) || errors.Is(err, audit.ErrInvalidCategory) {
		ctx := middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	slog.ErrorContext(ctx, "chain verification failed to run",
		"error", err,
		"scope_id", scopeID,
	)
	ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}

// Export dumps one chain window as NDJSON or CSV. With ?archive=true the
// export lands in the archive bucket and the response carries a presigned
// download URL instead of the payload.
// GET /scopes/{id}/export
func (h *ScopeHandlers) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	// Expected: /scopes/{id}/export
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/scopes/"), "/")
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] != "export" {
		ctx := middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid URL path")
		return
	}
	scopeID, err := validate.ScopeID(pathParts[0])
	if err != nil {
		ctx := middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("Invalid scope ID %q", pathParts[0]))
		return
	}
	ctx = middleware.SetScopeID(ctx, scopeID)

	query := r.URL.Query()

	// Chains export one at a time; an export spanning categories would
	// interleave unrelated hash chains and defeat offline re-verification.
	category := audit.Category(query.Get("category"))
	if category == "" {
		ctx := middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "category is required for export")
		return
	}
	if !category.Valid() {
		ctx := middleware.SetErrorCode(ctx, ErrCodeInvalidCategory)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCategory,
			fmt.Sprintf("Unknown category %q", string(category)))
		return
	}

	format := audit.ExportFormatNDJSON
	if raw := query.Get("format"); raw != "" {
		format = audit.ExportFormat(raw)
		if !format.Valid() {
			ctx := middleware.SetErrorCode(ctx, ErrCodeInvalidExportFormat)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidExportFormat,
				fmt.Sprintf("Unknown export format %q", raw))
			return
		}
	}

	from, to, errMsg := parseTimeWindow(r)
	if errMsg != "" {
		ctx := middleware.SetErrorCode(ctx, ErrCodeInvalidTimeRange)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidTimeRange, errMsg)
		return
	}
	window := audit.ExportWindow{From: from, To: to}

	toArchive := query.Get("archive") == "true"
	if toArchive && h.archiver == nil {
		ctx := middleware.SetErrorCode(ctx, ErrCodeArchiveDisabled)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeArchiveDisabled,
			"Export archiving is not configured")
		return
	}

	var buf bytes.Buffer
	records, err := h.ledger.Export(ctx, scopeID, category, window, format, &buf)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build export",
			"error", err,
			"scope_id", scopeID,
			"category", string(category),
		)
		ctx := middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	if toArchive {
		h.exportToArchive(w, ctx, scopeID, category, format, records, &buf)
		return
	}

	h.logExportAccess(ctx, scopeID, category, format, records, "download")

	filename := fmt.Sprintf("audit_%s_%s_%s.%s",
		scopeID, string(category), time.Now().UTC().Format("20060102T150405Z"), format.Ext())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.ErrorContext(ctx, "failed to write export response", "error", err)
	}
}

// exportToArchive stores the built export and responds with a presigned URL.
func (h *ScopeHandlers) exportToArchive(w http.ResponseWriter, ctx context.Context, scopeID string, category audit.Category, format audit.ExportFormat, records int, buf *bytes.Buffer) {
	key, err := archive.ObjectKey(scopeID, string(category), format.Ext(), time.Now())
	if err != nil {
		ctx := middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	meta := map[string]string{
		"scope-id":     scopeID,
		"category":     string(category),
		"record-count": strconv.Itoa(records),
	}
	if err := h.archiver.Store(ctx, key, format.ContentType(), bytes.NewReader(buf.Bytes()), meta); err != nil {
		slog.ErrorContext(ctx, "failed to store export in archive",
			"error", err,
			"scope_id", scopeID,
			"key", key,
		)
		ctx := middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to archive export")
		return
	}

	download, err := h.archiver.PresignDownload(ctx, key)
	if err != nil {
		slog.ErrorContext(ctx, "failed to presign export download",
			"error", err,
			"key", key,
		)
		ctx := middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to presign download")
		return
	}

	h.logExportAccess(ctx, scopeID, category, format, records, "archive")

	writeJSON(w, ctx, http.StatusOK, ArchiveExportResponse{
		URL:       download.URL,
		Key:       download.Key,
		ExpiresAt: download.ExpiresAt,
		Records:   records,
	})
}

// logExportAccess appends a data-access record for the export itself.
// Bulk reads of audit data are regulated data access like any other read.
// The append is best-effort; the ledger logs and counts failures, and the
// export has already succeeded from the caller's point of view.
func (h *ScopeHandlers) logExportAccess(ctx context.Context, scopeID string, category audit.Category, format audit.ExportFormat, records int, destination string) {
	_, _ = h.ledger.LogDataAccess(ctx, audit.Entry{
		ScopeID:    scopeID,
		ActorID:    middleware.GetActorID(ctx),
		Action:     "audit.export",
		Resource:   "audit_chain",
		ResourceID: string(category),
		Payload: audit.Payload{
			Severity: "info",
			Message:  "audit chain exported",
			Metadata: map[string]string{
				"format":      string(format),
				"records":     strconv.Itoa(records),
				"destination": destination,
			},
		},
	})
}

// parseTimeWindow reads the from/to query params as RFC3339 timestamps.
// Returns a non-empty message when the window is malformed.
func parseTimeWindow(r *http.Request) (from, to time.Time, errMsg string) {
	query := r.URL.Query()

	if raw := query.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, "from must be an RFC3339 timestamp"
		}
		from = t
	}
	if raw := query.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, "to must be an RFC3339 timestamp"
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return time.Time{}, time.Time{}, "from must not be after to"
	}
	return from, to, ""
}

// parsePagination reads the limit/offset query params.
// Returns a non-empty message when either is malformed.
func parsePagination(r *http.Request) (limit, offset int, errMsg string) {
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, "limit must be a non-negative integer"
		}
		limit = n
	}
	if raw := query.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, "offset must be a non-negative integer"
		}
		offset = n
	}
	return limit, offset, ""
}

// effectiveLimit mirrors the clamping the ledger applies, so the response
// echoes the page size actually used.
func effectiveLimit(limit int) int {
	if limit <= 0 {
		return audit.DefaultPageSize
	}
	if limit > audit.MaxPageSize {
		return audit.MaxPageSize
	}
	return limit
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
