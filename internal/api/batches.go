package api

import (
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

	"github.com/cutover-io/cutover/internal/api/middleware"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/metrics"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/runbook"
	"github.com/cutover-io/cutover/internal/storage"
)

// handleCreateBatch handles manual batch creation.
// POST /api/v1/batches - Create a batch outside data-source discovery
//
// A manual batch has no batch start time: its phases carry no due times and
// never fire on the scheduler's clock. Each stage is dispatched explicitly
// through POST /api/v1/batches/{id}/advance.
//
// Request validation (returns 4xx):
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, missing fields, or
//     duplicate member keys
//   - 404 Not Found: The runbook has no active version
//   - 409 Conflict: Every requested member is already migrating elsewhere
//
// Success response:
//   - 201 Created: The batch, its admitted members, and any excluded keys
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	// Parse and validate request
	req, problem := s.parseCreateBatchRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Resolve the active runbook version and its parsed definition
	rb, def, problem := s.resolveActiveRunbook(r.Context(), req.RunbookName)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Admit members, excluding keys already migrating in another batch
	members, excluded, problem := s.admitManualMembers(r.Context(), rb.Name, req.Members)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Create the batch with its pending phase and init rows
	batch, problem := s.createManualBatch(r.Context(), rb, def, members)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	s.sendJSON(w, r, http.StatusCreated, CreateBatchResponse{
		Batch:        batch,
		Members:      members,
		ExcludedKeys: excluded,
	})

	duration := time.Since(startTime)
	s.logger.Info("Manual batch created",
		slog.String("correlation_id", correlationID),
		slog.String("runbook_name", rb.Name),
		slog.Int("version", rb.Version),
		slog.Int64("batch_id", batch.ID),
		slog.Int("members", len(members)),
		slog.Int("excluded", len(excluded)),
		slog.Duration("duration", duration),
	)
}

// parseCreateBatchRequest parses and validates the HTTP request body.
// Returns the parsed request or a ProblemDetail if parsing fails.
//
// Validates:
//   - Request size (optimization for known oversized requests)
//   - Empty body check (better UX than JSON decode error)
//   - JSON parsing
//   - Required fields (runbookName, members with non-empty unique keys)
func (s *Server) parseCreateBatchRequest(r *http.Request) (*CreateBatchRequest, *ProblemDetail) {
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

	var req CreateBatchRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	req.RunbookName = strings.TrimSpace(req.RunbookName)

	if req.RunbookName == "" {
		return nil, BadRequest("Field 'runbookName' is required")
	}

	if len(req.Members) == 0 {
		return nil, BadRequest("Member array cannot be empty")
	}

	seen := make(map[string]bool, len(req.Members))

	for i := range req.Members {
		key := strings.TrimSpace(req.Members[i].MemberKey)
		if key == "" {
			return nil, BadRequest(fmt.Sprintf("Member %d is missing 'memberKey'", i))
		}

		if seen[key] {
			return nil, BadRequest("Duplicate member key: " + key)
		}

		seen[key] = true
		req.Members[i].MemberKey = key
	}

	return &req, nil
}

// resolveActiveRunbook loads the active version of the named runbook and
// re-parses its stored YAML. The document was validated at registration, so
// a parse failure here means the stored row is corrupt.
func (s *Server) resolveActiveRunbook(ctx context.Context, name string) (*execution.Runbook, *runbook.Definition, *ProblemDetail) {
	rb, err := s.stores.Runbooks.GetActive(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrRunbookNotFound) {
			return nil, nil, NotFound("Runbook has no active version: " + name)
		}

		s.logger.Error("Failed to load active runbook",
			slog.String("runbook_name", name),
			slog.String("error", err.Error()),
		)

		return nil, nil, InternalServerError("Failed to load active runbook")
	}

	def, err := runbook.ParseAndValidate([]byte(rb.YAML))
	if err != nil {
		s.logger.Error("Stored runbook YAML unreadable",
			slog.String("runbook_name", rb.Name),
			slog.Int("version", rb.Version),
			slog.String("error", err.Error()),
		)

		return nil, nil, InternalServerError("Stored runbook version is unreadable")
	}

	return rb, def, nil
}

// admitManualMembers builds the member rows for a manual batch, dropping
// keys that are already migrating in another in-flight batch of the
// runbook. Dropping beats failing: the remaining members migrate now and
// the excluded keys are reported back for a follow-up batch.
func (s *Server) admitManualMembers(ctx context.Context, runbookName string, requested []BatchMemberRequest) ([]*execution.BatchMember, []string, *ProblemDetail) {
	activeKeys, err := s.stores.Batches.ActiveKeysForRunbook(ctx, runbookName)
	if err != nil {
		s.logger.Error("Failed to query active member keys",
			slog.String("runbook_name", runbookName),
			slog.String("error", err.Error()),
		)

		return nil, nil, InternalServerError("Failed to query active member keys")
	}

	members := make([]*execution.BatchMember, 0, len(requested))

	var excluded []string

	for i := range requested {
		if activeKeys[requested[i].MemberKey] {
			excluded = append(excluded, requested[i].MemberKey)

			continue
		}

		members = append(members, &execution.BatchMember{
			MemberKey: requested[i].MemberKey,
			DataJSON:  encodeMemberData(requested[i].Data),
			Status:    execution.MemberActive,
		})
	}

	if len(members) == 0 {
		return nil, nil, Conflict("Every requested member is already migrating in another batch")
	}

	return members, excluded, nil
}

// createManualBatch inserts the batch row with its members, pending phases,
// and pending init executions in one transaction. The creating client is
// recorded on the batch for audit.
func (s *Server) createManualBatch(ctx context.Context, rb *execution.Runbook, def *runbook.Definition, members []*execution.BatchMember) (*execution.Batch, *ProblemDetail) {
	batch := &execution.Batch{
		RunbookID: rb.ID,
		Status:    execution.BatchDetected,
		IsManual:  true,
	}

	if clientCtx, ok := middleware.GetClientContext(ctx); ok {
		batch.CreatedBy = &clientCtx.ClientID
	}

	phases, err := manualPhaseRows(def, rb.Version)
	if err != nil {
		s.logger.Error("Stored runbook offset unreadable",
			slog.String("runbook_name", rb.Name),
			slog.Int("version", rb.Version),
			slog.String("error", err.Error()),
		)

		return nil, InternalServerError("Stored runbook version is unreadable")
	}

	inits := s.materializer.InitSteps(def, batch, rb.Version)

	if err := s.stores.Batches.CreateBatch(ctx, batch, members, phases, inits); err != nil {
		s.logger.Error("Failed to create batch",
			slog.String("runbook_name", rb.Name),
			slog.String("error", err.Error()),
		)

		return nil, InternalServerError("Failed to create batch")
	}

	metrics.RecordBatchDetected(rb.Name)
	metrics.RecordMembersAdded(rb.Name, len(members))

	return batch, nil
}

// manualPhaseRows builds the pending phase executions for a manual batch.
// With no batch start time there is nothing to anchor due times to, so the
// rows carry none; the advance endpoint dispatches them in declaration
// order instead of the scheduler's clock.
func manualPhaseRows(def *runbook.Definition, version int) ([]*execution.PhaseExecution, error) {
	rows := make([]*execution.PhaseExecution, 0, len(def.Phases))

	for i := range def.Phases {
		phase := &def.Phases[i]

		offset, err := runbook.ParseOffset(phase.Offset)
		if err != nil {
			return nil, fmt.Errorf("phase %q offset: %w", phase.Name, err)
		}

		rows = append(rows, &execution.PhaseExecution{
			PhaseName:      phase.Name,
			OffsetMinutes:  offset,
			RunbookVersion: version,
			Status:         execution.PhasePending,
		})
	}

	return rows, nil
}

// encodeMemberData snapshots a manual member's data object. Values of any
// JSON shape are kept; template resolution coerces them to strings the same
// way data-source columns are coerced.
func encodeMemberData(data map[string]any) string {
	if len(data) == 0 {
		return "{}"
	}

	// Values round-tripped through the request decoder cannot fail to marshal.
	encoded, _ := json.Marshal(data)

	return string(encoded)
}

// handleGetBatch handles GET /api/v1/batches/{id}.
// Returns the batch with its members, per-phase step counts by status, and
// init step counts by status.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	batchID, problem := parseBatchID(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	batch, err := s.stores.Batches.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, storage.ErrBatchNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("Batch %d not found", batchID)))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to load batch",
			"correlation_id", correlationID,
			"batch_id", batchID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load batch"))

		return
	}

	rb, err := s.stores.Runbooks.GetByID(ctx, batch.RunbookID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load batch runbook",
			"correlation_id", correlationID,
			"batch_id", batchID,
			"runbook_id", batch.RunbookID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load batch runbook"))

		return
	}

	detail, err := s.buildBatchDetail(ctx, batch, rb.Name)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load batch detail",
			"correlation_id", correlationID,
			"batch_id", batchID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load batch detail"))

		return
	}

	s.sendJSON(w, r, http.StatusOK, detail)
}

// buildBatchDetail assembles the batch detail view: members, phases with
// step counts by status, and init counts by status.
func (s *Server) buildBatchDetail(ctx context.Context, batch *execution.Batch, runbookName string) (*BatchDetailResponse, error) {
	members, err := s.stores.Batches.ListMembers(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	phases, err := s.stores.Execs.ListPhases(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	summaries := make([]PhaseSummary, 0, len(phases))

	for _, phase := range phases {
		steps, err := s.stores.Execs.ListStepsForPhase(ctx, phase.ID)
		if err != nil {
			return nil, err
		}

		counts := make(map[string]int)
		for _, step := range steps {
			counts[string(step.Status)]++
		}

		summaries = append(summaries, PhaseSummary{Phase: phase, Steps: counts})
	}

	inits, err := s.stores.Execs.ListInits(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	initCounts := make(map[string]int)
	for _, init := range inits {
		initCounts[string(init.Status)]++
	}

	return &BatchDetailResponse{
		Batch:       batch,
		RunbookName: runbookName,
		Members:     members,
		Phases:      summaries,
		Inits:       initCounts,
	}, nil
}

// handleAdvanceBatch handles POST /api/v1/batches/{id}/advance.
// Dispatches the next stage of a manual batch: init steps first, then each
// phase in declaration order. One call dispatches one stage.
//
// Responses:
//   - 200 OK: AdvanceOutcome reporting what was dispatched (or noop)
//   - 400 Bad Request: Batch id is not an integer
//   - 404 Not Found: No such batch
//   - 409 Conflict: Stage in flight, prior phase failed, batch terminal,
//     or the batch is scheduler-driven
func (s *Server) handleAdvanceBatch(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	batchID, problem := parseBatchID(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	outcome, err := s.control.AdvanceBatch(r.Context(), batchID)
	if err != nil {
		if problem := advanceProblem(batchID, err); problem != nil {
			WriteErrorResponse(w, r, s.logger, problem)

			return
		}

		s.logger.Error("Failed to advance batch",
			slog.String("correlation_id", correlationID),
			slog.Int64("batch_id", batchID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to advance batch"))

		return
	}

	s.sendJSON(w, r, http.StatusOK, outcome)

	s.logger.Info("Manual batch advanced",
		slog.String("correlation_id", correlationID),
		slog.Int64("batch_id", batchID),
		slog.String("action", string(outcome.Action)),
		slog.String("phase", outcome.Phase),
	)
}

// advanceProblem maps the advance service's sentinel errors onto problem
// responses. Returns nil for errors that are not client-addressable.
func advanceProblem(batchID int64, err error) *ProblemDetail {
	switch {
	case errors.Is(err, storage.ErrBatchNotFound):
		return NotFound(fmt.Sprintf("Batch %d not found", batchID))

	case errors.Is(err, orchestrator.ErrInitsInFlight):
		return Conflict("Init steps are still in flight; wait for them to settle and advance again")

	case errors.Is(err, orchestrator.ErrBatchNotManual),
		errors.Is(err, orchestrator.ErrBatchTerminal),
		errors.Is(err, orchestrator.ErrPhaseInFlight),
		errors.Is(err, orchestrator.ErrPriorPhaseFailed):
		return Conflict("Cannot advance batch: " + err.Error())
	}

	return nil
}

// handleCancelBatch handles POST /api/v1/batches/{id}/cancel.
// Fails the batch and cancels its open step and init executions. Works on
// scheduler-driven batches too. The body is optional; when present it may
// carry a reason recorded in the orchestrator's log.
//
// Responses:
//   - 200 OK: CancelBatchResponse with the terminal status
//   - 400 Bad Request: Batch id is not an integer, or invalid JSON body
//   - 404 Not Found: No such batch
//   - 409 Conflict: Batch already settled
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	batchID, problem := parseBatchID(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	var req CancelBatchRequest

	if r.ContentLength != 0 {
		if !hasJSONContentType(r.Header.Get("Content-Type")) {
			WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

			return
		}

		decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
		if err := decoder.Decode(&req); err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))

			return
		}
	}

	if err := s.control.CancelBatch(r.Context(), batchID, strings.TrimSpace(req.Reason)); err != nil {
		switch {
		case errors.Is(err, storage.ErrBatchNotFound):
			WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("Batch %d not found", batchID)))

		case errors.Is(err, orchestrator.ErrBatchTerminal):
			WriteErrorResponse(w, r, s.logger, Conflict("Batch is already in a terminal status"))

		default:
			s.logger.Error("Failed to cancel batch",
				slog.String("correlation_id", correlationID),
				slog.Int64("batch_id", batchID),
				slog.String("error", err.Error()),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to cancel batch"))
		}

		return
	}

	s.sendJSON(w, r, http.StatusOK, CancelBatchResponse{
		BatchID: batchID,
		Status:  string(execution.BatchFailed),
	})

	s.logger.Info("Batch cancelled",
		slog.String("correlation_id", correlationID),
		slog.Int64("batch_id", batchID),
		slog.String("reason", req.Reason),
	)
}

// parseBatchID extracts and validates the batch id path segment.
func parseBatchID(r *http.Request) (int64, *ProblemDetail) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, BadRequest("Batch id must be a positive integer")
	}

	return id, nil
}
