package export

import (
	"github.com/google/uuid"

	"github.com/smart-guard/exportgate/pkg/timestamp"
)

// ExportResult is the outcome of one handler delivery attempt. Handlers
// return results, never errors: a failed send is data, not a panic, and the
// dispatch pipeline records it like any other outcome.
type ExportResult struct {
	DispatchID uuid.UUID `json:"dispatch_id"`
	Success    bool      `json:"success"`

	TargetID   int    `json:"target_id"`
	TargetName string `json:"target_name"`
	TargetType string `json:"target_type"`

	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	ProcessingMs int64 `json:"processing_ms"`
	DataSize     int   `json:"data_size"`
	RetryCount   int   `json:"retry_count"`

	// Locator identifies where the payload landed: a file path, an object
	// key, or a topic, depending on the target type.
	Locator string `json:"locator,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// NewResult starts a result for the given target with a fresh dispatch ID
// and the current time. Callers fill in the outcome fields.
func NewResult(t *DynamicTarget) ExportResult {
	r := ExportResult{
		DispatchID: uuid.New(),
		Timestamp:  timestamp.Now(),
	}
	if t != nil {
		r.TargetID = t.ID
		r.TargetName = t.Name
		r.TargetType = t.Type
	}
	return r
}

// Failed marks the result unsuccessful with the given error text.
func (r ExportResult) Failed(errText string) ExportResult {
	r.Success = false
	r.Error = errText
	return r
}

// Log entry categories (log_type column).
const (
	LogTypeAlarm    = "alarm"
	LogTypeSchedule = "schedule"
	LogTypeManual   = "manual"
	LogTypeSystem   = "system"
)

// Log entry outcomes (status column).
const (
	LogStatusSuccess = "success"
	LogStatusFailure = "failure"
)

// ExportLogEntry is the durable form of an ExportResult, one row in the
// export log store. Column names follow the established log schema.
type ExportLogEntry struct {
	LogType        string `json:"log_type"`
	ServiceID      string `json:"service_id"`
	TargetID       int    `json:"target_id"`
	MappingID      int    `json:"mapping_id,omitempty"`
	PointID        int    `json:"point_id,omitempty"`
	SourceValue    string `json:"source_value,omitempty"`
	ConvertedValue string `json:"converted_value,omitempty"`
	Status         string `json:"status"`
	ErrorMessage   string `json:"error_message,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ResponseData   string `json:"response_data,omitempty"`
	HTTPStatusCode int    `json:"http_status_code,omitempty"`
	ProcessingMs   int64  `json:"processing_time_ms"`
	Timestamp      int64  `json:"timestamp"`
	ClientInfo     string `json:"client_info,omitempty"`
}

// LogEntryFrom converts a dispatch result into its durable form.
func LogEntryFrom(logType, serviceID string, r ExportResult) ExportLogEntry {
	status := LogStatusSuccess
	if !r.Success {
		status = LogStatusFailure
	}
	return ExportLogEntry{
		LogType:        logType,
		ServiceID:      serviceID,
		TargetID:       r.TargetID,
		Status:         status,
		ErrorMessage:   r.Error,
		ResponseData:   r.Locator,
		HTTPStatusCode: r.StatusCode,
		ProcessingMs:   r.ProcessingMs,
		Timestamp:      r.Timestamp,
	}
}
