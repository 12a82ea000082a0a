// Package api provides the HTTP admin API server for the Cutover service.
package api

import (
	"time"

	"github.com/cutover-io/cutover/internal/execution"
)

type (
	// CreateRunbookRequest is the payload for POST /api/v1/runbooks.
	// This is separate from the domain model (runbook.Definition) to decouple
	// the API contract from internal domain types: the YAML text is the
	// contract, the parsed definition is derived server-side.
	CreateRunbookRequest struct {
		Name string `json:"name"`
		YAML string `json:"yaml"`
	}

	// RunbookSummary is one stored runbook version in list views. The YAML
	// body is omitted; GET /api/v1/runbooks/{name} returns full versions.
	RunbookSummary struct {
		Name            string    `json:"name"`
		Version         int       `json:"version"`
		IsActive        bool      `json:"isActive"`
		DataTableName   string    `json:"dataTableName"`
		OverdueBehavior string    `json:"overdueBehavior"`
		RerunInit       bool      `json:"rerunInit"`
		LastError       *string   `json:"lastError,omitempty"`
		CreatedAt       time.Time `json:"createdAt"`
	}

	// RunbookListResponse is the response for GET /api/v1/runbooks.
	RunbookListResponse struct {
		Runbooks []RunbookSummary `json:"runbooks"`
		Total    int              `json:"total"`
	}

	// RunbookDetailResponse is the response for GET /api/v1/runbooks/{name}.
	// Versions are ordered newest first and carry the stored YAML.
	RunbookDetailResponse struct {
		Name              string               `json:"name"`
		AutomationEnabled bool                 `json:"automationEnabled"`
		Versions          []*execution.Runbook `json:"versions"`
	}

	// AutomationRequest is the payload for PUT /api/v1/runbooks/{name}/automation.
	// Enabled is a pointer so an absent field is distinguishable from false.
	AutomationRequest struct {
		Enabled *bool `json:"enabled"`
	}

	// AutomationResponse confirms the stored automation gate.
	AutomationResponse struct {
		RunbookName string `json:"runbookName"`
		Enabled     bool   `json:"enabled"`
	}

	// CreateBatchRequest is the payload for POST /api/v1/batches. Members
	// carry an optional data object whose values resolve into step params
	// the same way data-source rows do.
	CreateBatchRequest struct {
		RunbookName string               `json:"runbookName"`
		Members     []BatchMemberRequest `json:"members"`
	}

	// BatchMemberRequest is one member of a manual batch.
	BatchMemberRequest struct {
		MemberKey string         `json:"memberKey"`
		Data      map[string]any `json:"data,omitempty"`
	}

	// CreateBatchResponse is the response for POST /api/v1/batches.
	// ExcludedKeys lists requested members dropped because they are already
	// migrating in another in-flight batch of the runbook.
	CreateBatchResponse struct {
		Batch        *execution.Batch         `json:"batch"`
		Members      []*execution.BatchMember `json:"members"`
		ExcludedKeys []string                 `json:"excludedKeys,omitempty"`
	}

	// PhaseSummary pairs a phase execution with its step counts by status.
	PhaseSummary struct {
		Phase *execution.PhaseExecution `json:"phase"`
		Steps map[string]int            `json:"steps"`
	}

	// BatchDetailResponse is the response for GET /api/v1/batches/{id}.
	BatchDetailResponse struct {
		Batch       *execution.Batch         `json:"batch"`
		RunbookName string                   `json:"runbookName"`
		Members     []*execution.BatchMember `json:"members"`
		Phases      []PhaseSummary           `json:"phases"`
		Inits       map[string]int           `json:"inits"`
	}

	// CancelBatchRequest is the optional payload for POST /api/v1/batches/{id}/cancel.
	CancelBatchRequest struct {
		Reason string `json:"reason,omitempty"`
	}

	// CancelBatchResponse confirms a cancellation.
	CancelBatchResponse struct {
		BatchID int64  `json:"batchId"`
		Status  string `json:"status"`
	}
)
