package export

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-guard/exportgate/errors"
)

func TestAlarmMessage_WireDecode(t *testing.T) {
	raw := `{"bd":1001,"nm":"temp_sensor_01","vl":25.5,"tm":"2025-01-15 14:30:00.123","al":1,"st":0,"des":"high temp"}`

	msg, err := ParseAlarmMessage([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, 1001, msg.BuildingID)
	assert.Equal(t, "temp_sensor_01", msg.PointName)
	assert.Equal(t, 25.5, msg.Value)
	assert.Equal(t, "2025-01-15 14:30:00.123", msg.Time)
	assert.Equal(t, AlarmRaised, msg.AlarmFlag)
	assert.Equal(t, 0, msg.Status)
	assert.Equal(t, "high temp", msg.Description)
}

func TestAlarmMessage_WireEncode(t *testing.T) {
	msg := AlarmMessage{
		BuildingID: 7,
		PointName:  "flow_02",
		Value:      1.25,
		Time:       "2025-01-15 14:30:00.000",
		AlarmFlag:  AlarmCleared,
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(7), decoded["bd"])
	assert.Equal(t, "flow_02", decoded["nm"])
	assert.Equal(t, 1.25, decoded["vl"])
	assert.NotContains(t, decoded, "des", "empty description should be omitted")
}

func TestParseAlarmMessage_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name:    "malformed json",
			raw:     `{"bd":1001,`,
			wantErr: errors.ErrParsingFailed,
		},
		{
			name:    "empty point name",
			raw:     `{"bd":1001,"nm":"","vl":1.0}`,
			wantErr: errors.ErrInvalidMessage,
		},
		{
			name:    "missing point name",
			raw:     `{"bd":1001,"vl":1.0}`,
			wantErr: errors.ErrInvalidMessage,
		},
		{
			name:    "zero building id",
			raw:     `{"bd":0,"nm":"p1","vl":1.0}`,
			wantErr: errors.ErrInvalidMessage,
		},
		{
			name:    "negative building id",
			raw:     `{"bd":-3,"nm":"p1","vl":1.0}`,
			wantErr: errors.ErrInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAlarmMessage([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errors.IsInvalid(err), "decode failures classify as invalid")
		})
	}
}

func TestAlarmMessage_IsValid(t *testing.T) {
	assert.True(t, AlarmMessage{BuildingID: 1, PointName: "p"}.IsValid())
	assert.False(t, AlarmMessage{BuildingID: 1}.IsValid())
	assert.False(t, AlarmMessage{PointName: "p"}.IsValid())
	assert.False(t, AlarmMessage{BuildingID: -1, PointName: "p"}.IsValid())
}

func TestAlarmMessage_Timestamps(t *testing.T) {
	msg := AlarmMessage{BuildingID: 1, PointName: "p", Time: "2023-01-15 12:30:45.123"}

	assert.Equal(t, int64(1673785845123), msg.TimestampMs())
	assert.Equal(t, int64(1673785845123), msg.TimestampOrNow())
	assert.Equal(t, "2023-01-15T12:30:45Z", msg.TimeISO8601())

	rfc := AlarmMessage{BuildingID: 1, PointName: "p", Time: "2023-01-15T12:30:45Z"}
	assert.Equal(t, int64(1673785845000), rfc.TimestampMs())
}

func TestAlarmMessage_TimestampFallback(t *testing.T) {
	msg := AlarmMessage{BuildingID: 1, PointName: "p", Time: "not a time"}

	assert.Equal(t, int64(0), msg.TimestampMs())
	assert.Greater(t, msg.TimestampOrNow(), int64(0), "unparseable tm falls back to now")
	assert.NotEmpty(t, msg.TimeISO8601())
}

func TestAlarmMessage_AlarmStatusText(t *testing.T) {
	tests := []struct {
		name string
		al   int
		st   int
		want string
	}{
		{name: "raised normal severity", al: AlarmRaised, st: 0, want: "NORMAL"},
		{name: "raised warning", al: AlarmRaised, st: 1, want: "WARNING"},
		{name: "raised critical", al: AlarmRaised, st: 2, want: "CRITICAL"},
		{name: "raised other severity", al: AlarmRaised, st: 3, want: "ACTIVE"},
		{name: "raised unknown severity", al: AlarmRaised, st: 99, want: "ACTIVE"},
		{name: "cleared ignores severity", al: AlarmCleared, st: 2, want: "CLEARED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := AlarmMessage{AlarmFlag: tt.al, Status: tt.st}
			assert.Equal(t, tt.want, msg.AlarmStatusText())
		})
	}
}

func TestNewValueMessage(t *testing.T) {
	v := NewValueMessage(1001, "temp_01", 25.5, 1673785845123, 0)

	assert.Equal(t, 1001, v.BuildingID)
	assert.Equal(t, "temp_01", v.PointName)
	assert.Equal(t, "25.5", v.Value)
	assert.Equal(t, "2023-01-15 12:30:45.123", v.Time)
	assert.Equal(t, ValueTypeDouble, v.Type)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bd":1001,"nm":"temp_01","vl":"25.5","tm":"2023-01-15 12:30:45.123","st":0,"ty":"dbl"}`, string(data))
}

func TestValueMessage_AsAlarm(t *testing.T) {
	v := NewValueMessage(5, "kw_total", 120.75, 1673785845000, 1)
	a := v.AsAlarm()

	assert.Equal(t, 5, a.BuildingID)
	assert.Equal(t, "kw_total", a.PointName)
	assert.Equal(t, 120.75, a.Value)
	assert.Equal(t, AlarmCleared, a.AlarmFlag)
	assert.Equal(t, 1, a.Status)
	assert.True(t, a.IsValid())
}
