package export

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMode selects when a target receives values: every qualifying change,
// on a fixed period, or in accumulated batches.
type ExportMode string

const (
	ModeOnChange ExportMode = "on_change"
	ModePeriodic ExportMode = "periodic"
	ModeBatch    ExportMode = "batch"
)

// ParseExportMode normalizes a stored mode string. Empty input defaults to
// on_change; anything else unknown is an error so a typo in a target record
// surfaces at load time instead of silently changing delivery behavior.
func ParseExportMode(s string) (ExportMode, error) {
	switch ExportMode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ModeOnChange, nil
	case ModeOnChange:
		return ModeOnChange, nil
	case ModePeriodic:
		return ModePeriodic, nil
	case ModeBatch:
		return ModeBatch, nil
	default:
		return "", fmt.Errorf("unknown export mode %q", s)
	}
}

// Valid reports whether the mode is one of the three known values.
func (m ExportMode) Valid() bool {
	switch m {
	case ModeOnChange, ModePeriodic, ModeBatch:
		return true
	}
	return false
}

// ModeParams carries the per-mode tuning knobs. Only the fields for the
// target's mode are consulted; the rest are ignored.
type ModeParams struct {
	// Threshold is the minimum change (strictly greater than) that triggers
	// an on_change send. Zero sends every changed value.
	Threshold float64 `json:"threshold,omitempty"`

	// ForceFirstSend ships the first on_change value unconditionally.
	// Unset means true; a stored config must say false explicitly to make
	// the first value baseline-only.
	ForceFirstSend *bool `json:"force_first_send,omitempty"`

	// IntervalMs is the periodic send interval.
	IntervalMs int64 `json:"interval_ms,omitempty"`

	// BatchSize flushes the batch buffer when reached.
	BatchSize int `json:"batch_size,omitempty"`

	// BatchTimeoutMs flushes a non-empty batch this long after its first
	// element arrived, even if under size.
	BatchTimeoutMs int64 `json:"batch_timeout_ms,omitempty"`
}

// FirstSendForced resolves the ForceFirstSend default.
func (p ModeParams) FirstSendForced() bool {
	return p.ForceFirstSend == nil || *p.ForceFirstSend
}

// Supported target handler types. Stored type strings are normalized with
// NormalizeTargetType before factory lookup.
const (
	TargetTypeHTTP = "HTTP"
	TargetTypeS3   = "S3"
	TargetTypeFile = "FILE"
	TargetTypeMQTT = "MQTT"
)

// NormalizeTargetType uppercases and trims a stored target type string.
func NormalizeTargetType(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// DynamicTarget is one export destination as loaded into a registry
// snapshot: identity, dispatch ordering, handler config, and delivery mode.
// The struct is immutable after load. Runtime counters live behind the
// Stats pointer, which the registry carries over across reloads so a config
// refresh doesn't zero operational history.
type DynamicTarget struct {
	ID             int             `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Enabled        bool            `json:"enabled"`
	Priority       int             `json:"priority"`
	ExecutionOrder int             `json:"execution_order"`
	ExecutionDelay int64           `json:"execution_delay_ms"`
	Description    string          `json:"description,omitempty"`
	Config         json.RawMessage `json:"config"`
	Mode           ExportMode      `json:"export_mode"`
	ModeParams     ModeParams      `json:"mode_params"`
	TemplateName   string          `json:"template_name,omitempty"`
	Template       json.RawMessage `json:"-"`

	Stats *TargetStats `json:"-"`
}

// Default ordering keys for records that don't set them. Lower values
// dispatch first.
const (
	DefaultPriority       = 100
	DefaultExecutionOrder = 100
)

// PointMapping routes one source point to one target: the field name the
// target expects, an optional site override, and a linear conversion.
// A row with PointID 0 is site-level: it maps SiteID to the external
// building identifier carried in FieldName rather than mapping a point.
//
// Lookups for unmapped points return the zero-value defaults documented on
// each registry accessor: empty field name, unset site, scale 1.0, offset 0.
type PointMapping struct {
	TargetID    int     `json:"target_id"`
	PointID     int     `json:"point_id"`
	PointName   string  `json:"point_name"`
	FieldName   string  `json:"target_field_name"`
	Description string  `json:"target_description,omitempty"`
	SiteID      string  `json:"site_id,omitempty"`
	Scale       float64 `json:"scale"`
	Offset      float64 `json:"offset"`
	Enabled     bool    `json:"is_enabled"`
}

// Conversion defaults. A mapping row with no conversion config keeps the
// value untouched.
const (
	DefaultScale  = 1.0
	DefaultOffset = 0.0
)

// Convert applies the mapping's linear conversion to a raw value.
func (p PointMapping) Convert(value float64) float64 {
	return value*p.Scale + p.Offset
}

// PayloadTemplate is a stored JSON template selectable by name. SystemType
// groups templates by the downstream system family they feed.
type PayloadTemplate struct {
	Name       string          `json:"name"`
	SystemType string          `json:"system_type"`
	Template   json.RawMessage `json:"template"`
	Active     bool            `json:"active"`
}
