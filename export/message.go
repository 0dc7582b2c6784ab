package export

import (
	"encoding/json"
	"strconv"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/pkg/timestamp"
)

// Alarm flag values carried in the al field.
const (
	AlarmCleared = 0
	AlarmRaised  = 1
)

// AlarmMessage is the unit of data flowing through the export pipeline.
// The field names match the upstream wire contract exactly; do not rename
// the JSON tags.
//
//	{"bd":1001,"nm":"temp_sensor_01","vl":25.5,"tm":"2025-01-15 14:30:00.123","al":1,"st":0,"des":"high temp"}
//
// A message is valid when it names a point (nm non-empty) and a real
// building (bd > 0). Everything else is optional.
type AlarmMessage struct {
	BuildingID  int     `json:"bd"`
	PointName   string  `json:"nm"`
	Value       float64 `json:"vl"`
	Time        string  `json:"tm"`
	AlarmFlag   int     `json:"al"`
	Status      int     `json:"st"`
	Description string  `json:"des,omitempty"`
}

// ParseAlarmMessage decodes and validates a wire payload.
// Invalid JSON returns ErrParsingFailed; a structurally valid payload that
// fails the identity check returns ErrInvalidMessage.
func ParseAlarmMessage(data []byte) (AlarmMessage, error) {
	var msg AlarmMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return AlarmMessage{}, errors.WrapInvalid(
			errors.Join(errors.ErrParsingFailed, err),
			"AlarmMessage", "Parse", "decode",
		)
	}
	if err := msg.Validate(); err != nil {
		return AlarmMessage{}, err
	}
	return msg, nil
}

// IsValid reports whether the message identifies a point and a building.
func (m AlarmMessage) IsValid() bool {
	return m.PointName != "" && m.BuildingID > 0
}

// Validate returns a classified error describing why the message is invalid,
// or nil.
func (m AlarmMessage) Validate() error {
	if m.PointName == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage,
			"AlarmMessage", "Validate", "empty point name")
	}
	if m.BuildingID <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidMessage,
			"AlarmMessage", "Validate", "non-positive building id")
	}
	return nil
}

// TimestampMs normalizes tm to Unix milliseconds. Returns 0 when tm is
// empty or unparseable.
func (m AlarmMessage) TimestampMs() int64 {
	return timestamp.Parse(m.Time)
}

// TimestampOrNow returns the normalized tm, or the current time when the
// message carries no usable timestamp.
func (m AlarmMessage) TimestampOrNow() int64 {
	if ms := m.TimestampMs(); ms != 0 {
		return ms
	}
	return timestamp.Now()
}

// TimeISO8601 renders tm as RFC3339 for downstream systems that reject the
// wall-clock wire format.
func (m AlarmMessage) TimeISO8601() string {
	return timestamp.FormatISO8601(m.TimestampOrNow())
}

// AlarmStatusText maps the al/st pair to the status text downstream
// templates expect. An active alarm reports its severity level; an inactive
// one is always CLEARED regardless of st.
func (m AlarmMessage) AlarmStatusText() string {
	if m.AlarmFlag != AlarmRaised {
		return "CLEARED"
	}
	switch m.Status {
	case 0:
		return "NORMAL"
	case 1:
		return "WARNING"
	case 2:
		return "CRITICAL"
	default:
		return "ACTIVE"
	}
}

// ValueTypeDouble is the only ty value the snapshot exporter emits today.
const ValueTypeDouble = "dbl"

// ValueMessage is the snapshot shape used by scheduled bulk exports. Unlike
// AlarmMessage it carries the value pre-rendered as a string, matching what
// bulk consumers ingest.
type ValueMessage struct {
	BuildingID int    `json:"bd"`
	PointName  string `json:"nm"`
	Value      string `json:"vl"`
	Time       string `json:"tm"`
	Status     int    `json:"st"`
	Type       string `json:"ty"`
}

// NewValueMessage builds a snapshot record from a point reading.
func NewValueMessage(buildingID int, pointName string, value float64, tsMs int64, status int) ValueMessage {
	return ValueMessage{
		BuildingID: buildingID,
		PointName:  pointName,
		Value:      strconv.FormatFloat(value, 'f', -1, 64),
		Time:       timestamp.FormatDevice(tsMs),
		Status:     status,
		Type:       ValueTypeDouble,
	}
}

// AsAlarm converts a snapshot record into the alarm shape so bulk exports
// can share the transform and dispatch path. The alarm flag is always clear.
func (v ValueMessage) AsAlarm() AlarmMessage {
	val, _ := strconv.ParseFloat(v.Value, 64)
	return AlarmMessage{
		BuildingID: v.BuildingID,
		PointName:  v.PointName,
		Value:      val,
		Time:       v.Time,
		AlarmFlag:  AlarmCleared,
		Status:     v.Status,
	}
}
