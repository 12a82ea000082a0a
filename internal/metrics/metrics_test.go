package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordLeaseAcquisition(t *testing.T) {
	tests := []struct {
		name    string
		outcome string
	}{
		{name: "acquired", outcome: "acquired"},
		{name: "held by another holder", outcome: "held"},
		{name: "store error", outcome: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(leaseAcquisitions.With(prometheus.Labels{
				"outcome": tt.outcome,
			}))

			RecordLeaseAcquisition(tt.outcome)

			got := testutil.ToFloat64(leaseAcquisitions.With(prometheus.Labels{
				"outcome": tt.outcome,
			}))

			if got != initial+1 {
				t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
			}
		})
	}
}

func TestRecordMembersAdded(t *testing.T) {
	initial := testutil.ToFloat64(membersAdded.With(prometheus.Labels{
		"runbook": "orders",
	}))

	RecordMembersAdded("orders", 3)
	RecordMembersAdded("orders", 0)  // no-op
	RecordMembersAdded("orders", -2) // no-op

	got := testutil.ToFloat64(membersAdded.With(prometheus.Labels{
		"runbook": "orders",
	}))

	if got != initial+3 {
		t.Errorf("expected count to increment by 3, got initial=%f, new=%f", initial, got)
	}
}

func TestRecordWorkerResult(t *testing.T) {
	initial := testutil.ToFloat64(workerResults.With(prometheus.Labels{
		"status": "Success",
	}))

	for i := 0; i < 5; i++ {
		RecordWorkerResult("Success")
	}

	got := testutil.ToFloat64(workerResults.With(prometheus.Labels{
		"status": "Success",
	}))

	if got != initial+5 {
		t.Errorf("expected count to increment by 5, got initial=%f, new=%f", initial, got)
	}
}

func TestRecordDeferredPublished(t *testing.T) {
	initial := testutil.ToFloat64(deferredPublished.With(prometheus.Labels{
		"topic": "cutover.control",
	}))

	RecordDeferredPublished("cutover.control", 7)
	RecordDeferredPublished("cutover.control", 0) // no-op

	got := testutil.ToFloat64(deferredPublished.With(prometheus.Labels{
		"topic": "cutover.control",
	}))

	if got != initial+7 {
		t.Errorf("expected count to increment by 7, got initial=%f, new=%f", initial, got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	if Handler() == nil {
		t.Fatal("expected non-nil metrics handler")
	}
}
