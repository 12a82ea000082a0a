package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cutover-io/cutover/internal/api/middleware"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/runbook"
	"github.com/cutover-io/cutover/internal/storage"
)

// handleCreateRunbook handles runbook version registration.
// POST /api/v1/runbooks - Store a new version of a runbook
//
// Request validation (returns 4xx):
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, missing fields, YAML that
//     fails to parse or validate, or a name mismatch between request and YAML
//   - 409 Conflict: Two writers raced to register the same version
//
// Success response:
//   - 201 Created: The stored runbook version (inactive until activated)
func (s *Server) handleCreateRunbook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	// Parse and validate request
	req, problem := s.parseCreateRunbookRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Parse and validate the runbook YAML
	def, problem := parseRunbookDefinition(req)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	created, err := s.stores.Runbooks.CreateVersion(r.Context(), req.Name, req.YAML, def)
	if err != nil {
		if errors.Is(err, storage.ErrRunbookVersionConflict) {
			WriteErrorResponse(w, r, s.logger, Conflict("A concurrent registration allocated this version; retry the request"))

			return
		}

		s.logger.Error("Failed to store runbook version",
			slog.String("correlation_id", correlationID),
			slog.String("runbook_name", req.Name),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to store runbook version"))

		return
	}

	s.sendJSON(w, r, http.StatusCreated, created)

	duration := time.Since(startTime)
	s.logger.Info("Runbook version registered",
		slog.String("correlation_id", correlationID),
		slog.String("runbook_name", created.Name),
		slog.Int("version", created.Version),
		slog.Int("phases", len(def.Phases)),
		slog.Int("init_steps", len(def.Init)),
		slog.Duration("duration", duration),
	)
}

// parseCreateRunbookRequest parses and validates the HTTP request body.
// Returns the parsed request or a ProblemDetail if parsing fails.
//
// Validates:
//   - Request size (optimization for known oversized requests)
//   - Empty body check (better UX than JSON decode error)
//   - JSON parsing
//   - Required fields (name, yaml)
func (s *Server) parseCreateRunbookRequest(r *http.Request) (*CreateRunbookRequest, *ProblemDetail) {
	// Request size check (optimization: fail fast for known oversized requests)
	// Allow unknown sizes (-1) or 0 (empty, caught later)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	// Empty body check (better UX: specific error message)
	if r.ContentLength == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	var req CreateRunbookRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	req.Name = strings.TrimSpace(req.Name)

	if req.Name == "" {
		return nil, BadRequest("Field 'name' is required")
	}

	if strings.TrimSpace(req.YAML) == "" {
		return nil, BadRequest("Field 'yaml' is required")
	}

	return &req, nil
}

// parseRunbookDefinition parses the submitted YAML and runs the full
// definition validation. All validation findings are returned together so
// an operator fixes the document in one round trip.
func parseRunbookDefinition(req *CreateRunbookRequest) (*runbook.Definition, *ProblemDetail) {
	def, err := runbook.Parse([]byte(req.YAML))
	if err != nil {
		return nil, BadRequest("Invalid runbook YAML: " + err.Error())
	}

	if errs := runbook.Validate(def); len(errs) > 0 {
		return nil, BadRequest("Runbook validation failed").WithErrors(errs)
	}

	if def.Name != req.Name {
		return nil, BadRequest(fmt.Sprintf(
			"Runbook name %q does not match the name in the YAML document (%q)", req.Name, def.Name,
		))
	}

	return def, nil
}

// handleListRunbooks handles GET /api/v1/runbooks.
// Returns every stored runbook version without the YAML body, newest
// versions first per name.
func (s *Server) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	runbooks, err := s.stores.Runbooks.List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list runbooks",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list runbooks"))

		return
	}

	summaries := make([]RunbookSummary, 0, len(runbooks))
	for _, rb := range runbooks {
		summaries = append(summaries, mapRunbookToSummary(rb))
	}

	s.sendJSON(w, r, http.StatusOK, RunbookListResponse{
		Runbooks: summaries,
		Total:    len(summaries),
	})
}

// handleGetRunbook handles GET /api/v1/runbooks/{name}.
// Returns every stored version of the named runbook (YAML included, newest
// first) together with its automation gate.
func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	name := r.PathValue("name")
	if name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Runbook name is required"))

		return
	}

	versions, err := s.stores.Runbooks.ListVersions(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrRunbookNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Runbook not found: "+name))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to list runbook versions",
			"correlation_id", correlationID,
			"runbook_name", name,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list runbook versions"))

		return
	}

	enabled, err := s.stores.Runbooks.AutomationEnabled(ctx, name)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read automation setting",
			"correlation_id", correlationID,
			"runbook_name", name,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to read automation setting"))

		return
	}

	s.sendJSON(w, r, http.StatusOK, RunbookDetailResponse{
		Name:              name,
		AutomationEnabled: enabled,
		Versions:          versions,
	})
}

// handleActivateRunbook handles POST /api/v1/runbooks/{name}/versions/{version}/activate.
// Makes the given version the single active version of its name; batches in
// flight pick up the transition on the orchestrator's next evaluation.
//
// Responses:
//   - 200 OK: The activated runbook version
//   - 400 Bad Request: Version is not a positive integer
//   - 404 Not Found: No such runbook version
func (s *Server) handleActivateRunbook(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	name := r.PathValue("name")

	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Version must be a positive integer"))

		return
	}

	if err := s.stores.Runbooks.Activate(r.Context(), name, version); err != nil {
		if errors.Is(err, storage.ErrRunbookNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("Runbook %s v%d not found", name, version)))

			return
		}

		s.logger.Error("Failed to activate runbook version",
			slog.String("correlation_id", correlationID),
			slog.String("runbook_name", name),
			slog.Int("version", version),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to activate runbook version"))

		return
	}

	activated, err := s.stores.Runbooks.GetVersion(r.Context(), name, version)
	if err != nil {
		s.logger.Error("Failed to load activated runbook version",
			slog.String("correlation_id", correlationID),
			slog.String("runbook_name", name),
			slog.Int("version", version),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load activated runbook version"))

		return
	}

	s.sendJSON(w, r, http.StatusOK, activated)

	s.logger.Info("Runbook version activated",
		slog.String("correlation_id", correlationID),
		slog.String("runbook_name", name),
		slog.Int("version", version),
	)
}

// handleSetAutomation handles PUT /api/v1/runbooks/{name}/automation.
// Toggles data-source polling for the runbook name. A disabled runbook's
// in-flight batches keep executing; only discovery of new cohorts stops.
//
// Responses:
//   - 200 OK: The stored automation gate
//   - 400 Bad Request: Missing or invalid 'enabled' field
//   - 404 Not Found: No version stored under the name
//   - 415 Unsupported Media Type: Content-Type must be application/json
func (s *Server) handleSetAutomation(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	name := r.PathValue("name")

	var req AutomationRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))

		return
	}

	if req.Enabled == nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Field 'enabled' is required"))

		return
	}

	// The toggle is keyed by name, not version; reject names that were
	// never registered rather than storing a dangling setting.
	if _, err := s.stores.Runbooks.ListVersions(r.Context(), name); err != nil {
		if errors.Is(err, storage.ErrRunbookNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Runbook not found: "+name))

			return
		}

		s.logger.Error("Failed to verify runbook exists",
			slog.String("correlation_id", correlationID),
			slog.String("runbook_name", name),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to verify runbook exists"))

		return
	}

	if err := s.stores.Runbooks.SetAutomation(r.Context(), name, *req.Enabled); err != nil {
		s.logger.Error("Failed to store automation setting",
			slog.String("correlation_id", correlationID),
			slog.String("runbook_name", name),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to store automation setting"))

		return
	}

	s.sendJSON(w, r, http.StatusOK, AutomationResponse{
		RunbookName: name,
		Enabled:     *req.Enabled,
	})

	s.logger.Info("Automation setting updated",
		slog.String("correlation_id", correlationID),
		slog.String("runbook_name", name),
		slog.Bool("enabled", *req.Enabled),
	)
}

// mapRunbookToSummary converts a stored runbook version to its list view.
func mapRunbookToSummary(rb *execution.Runbook) RunbookSummary {
	return RunbookSummary{
		Name:            rb.Name,
		Version:         rb.Version,
		IsActive:        rb.IsActive,
		DataTableName:   rb.DataTableName,
		OverdueBehavior: string(rb.OverdueBehavior),
		RerunInit:       rb.RerunInit,
		LastError:       rb.LastError,
		CreatedAt:       rb.CreatedAt,
	}
}

// sendJSON marshals and sends a success response. Marshaling happens before
// headers so a failure can still produce a proper error response.
func (s *Server) sendJSON(w http.ResponseWriter, r *http.Request, statusCode int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
