package async

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/teranos/fhirlake/errors"
)

// Kind tags which executor a job definition is dispatched to
type Kind string

const (
	// KindOrchestrator creates and tracks a group of processing jobs for one window
	KindOrchestrator Kind = "orchestrator"
	// KindProcessing extracts one resource type for one window
	KindProcessing Kind = "processing"
)

// ErrEmptyPeriod is returned for windows whose start is not before their end
var ErrEmptyPeriod = errors.New("data period start must be before end")

// DataPeriod is a half-open UTC interval [Start, End)
type DataPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDataPeriod validates start < end and normalizes to UTC
func NewDataPeriod(start, end time.Time) (DataPeriod, error) {
	if !start.Before(end) {
		return DataPeriod{}, errors.Wrapf(ErrEmptyPeriod, "[%s, %s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return DataPeriod{Start: start.UTC(), End: end.UTC()}, nil
}

// Contains reports whether t falls inside the half-open interval
func (p DataPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Duration returns End - Start
func (p DataPeriod) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

func (p DataPeriod) String() string {
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + ")"
}

// Definition is the tagged payload of a job record.
// Processing jobs name one resource type; orchestrator jobs list all of them.
type Definition struct {
	Kind          Kind              `json:"kind"`
	ResourceType  string            `json:"resource_type,omitempty"`
	ResourceTypes []string          `json:"resource_types,omitempty"`
	Window        DataPeriod        `json:"window"`
	Filters       map[string]string `json:"filters,omitempty"`
}

// NewProcessingDefinition builds the definition of one per-resource-type job
func NewProcessingDefinition(resourceType string, window DataPeriod, filters map[string]string) Definition {
	return Definition{Kind: KindProcessing, ResourceType: resourceType, Window: window, Filters: filters}
}

// NewOrchestratorDefinition builds the definition of a window's orchestrator job
func NewOrchestratorDefinition(resourceTypes []string, window DataPeriod) Definition {
	sorted := append([]string(nil), resourceTypes...)
	sort.Strings(sorted)
	return Definition{Kind: KindOrchestrator, ResourceTypes: sorted, Window: window}
}

// Validate checks the definition is dispatchable
func (d Definition) Validate() error {
	if !d.Window.Start.Before(d.Window.End) {
		return errors.Wrapf(ErrEmptyPeriod, "definition window %s", d.Window)
	}
	switch d.Kind {
	case KindProcessing:
		if d.ResourceType == "" {
			return errors.New("processing definition requires a resource type")
		}
	case KindOrchestrator:
		if len(d.ResourceTypes) == 0 {
			return errors.New("orchestrator definition requires resource types")
		}
	default:
		return errors.Newf("unknown job kind %q", d.Kind)
	}
	return nil
}

// Hash returns a stable hash of the definition used by the reverse index.
// encoding/json sorts map keys, and windows are normalized to UTC, so equal
// definitions always serialize identically.
func (d Definition) Hash() (string, error) {
	canonical := d
	canonical.Window = DataPeriod{Start: d.Window.Start.UTC(), End: d.Window.End.UTC()}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal definition for hashing")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
