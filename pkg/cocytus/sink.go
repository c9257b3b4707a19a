package cocytus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/argus-triage/argus/pkg/domain"
)

// Record captures failed runs and their lamentations.

type Kind string

const (
	KindProvisioning Kind = "provisioning"
	KindUnitError    Kind = "unit_error"
	KindPollError    Kind = "poll_error"
)

type Record struct {
	Kind      Kind            `json:"kind"`
	Unit      domain.UnitName `json:"unit,omitempty"`
	Image     string          `json:"image,omitempty"`
	Target    string          `json:"target,omitempty"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Sink is the interface for Cocytus.

type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// ProvisioningRecord describes a run that never got a unit.
func ProvisioningRecord(image, target string, err error) *Record {
	return &Record{
		Kind:      KindProvisioning,
		Image:     image,
		Target:    target,
		Reason:    err.Error(),
		CreatedAt: time.Now().UTC(),
	}
}

// ReportRecords returns one record per failure carried by report, with the
// report itself as payload. Clean runs produce none.
func ReportRecords(report domain.Report, image, target string) []*Record {
	var payload json.RawMessage
	if data, err := json.Marshal(report); err == nil {
		payload = data
	}

	var recs []*Record
	add := func(kind Kind, reason string) {
		recs = append(recs, &Record{
			Kind:      kind,
			Unit:      report.Unit,
			Image:     image,
			Target:    target,
			Reason:    reason,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		})
	}
	if report.UnitError != "" {
		add(KindUnitError, report.UnitError)
	}
	if report.PollError != "" {
		add(KindPollError, report.PollError)
	}
	return recs
}
