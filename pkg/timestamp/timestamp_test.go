package timestamp

import (
	"testing"
	"time"
)

// Test constants
var (
	testTime       = time.Date(2023, 1, 15, 12, 30, 45, 123000000, time.UTC) // Use exact milliseconds
	testTimeMs     = int64(1673785845123)                                    // Correct timestamp for the date above
	testTimeString = "2023-01-15T12:30:45Z"
)

func TestNow(t *testing.T) {
	before := time.Now().UnixMilli()
	ts := Now()
	after := time.Now().UnixMilli()

	if ts < before || ts > after {
		t.Errorf("Now() = %d, expected between %d and %d", ts, before, after)
	}
}

func TestToUnixMs(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Time
		expected int64
	}{
		{
			name:     "normal time",
			input:    testTime,
			expected: testTimeMs,
		},
		{
			name:     "zero time",
			input:    time.Time{},
			expected: 0,
		},
		{
			name:     "unix epoch",
			input:    time.Unix(0, 0),
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ToUnixMs(tt.input)
			if result != tt.expected {
				t.Errorf("ToUnixMs(%v) = %d, expected %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFromUnixMs(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected time.Time
	}{
		{
			name:     "normal timestamp",
			input:    testTimeMs,
			expected: testTime,
		},
		{
			name:     "zero timestamp",
			input:    0,
			expected: time.Time{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FromUnixMs(tt.input)
			if !result.Equal(tt.expected) {
				t.Errorf("FromUnixMs(%d) = %v, expected %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatISO8601(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{
			name:     "normal timestamp",
			input:    1673785845000,
			expected: testTimeString,
		},
		{
			name:     "zero timestamp",
			input:    0,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatISO8601(tt.input)
			if result != tt.expected {
				t.Errorf("FormatISO8601(%d) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatDevice(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{
			name:     "millisecond precision",
			input:    testTimeMs,
			expected: "2023-01-15 12:30:45.123",
		},
		{
			name:     "whole second",
			input:    1673785845000,
			expected: "2023-01-15 12:30:45.000",
		},
		{
			name:     "zero timestamp",
			input:    0,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatDevice(tt.input)
			if result != tt.expected {
				t.Errorf("FormatDevice(%d) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected int64
	}{
		{
			name:     "nil input",
			input:    nil,
			expected: 0,
		},
		{
			name:     "int64 milliseconds",
			input:    testTimeMs,
			expected: testTimeMs,
		},
		{
			name:     "int64 seconds",
			input:    int64(1673785845),
			expected: 1673785845000,
		},
		{
			name:     "int64 zero",
			input:    int64(0),
			expected: 0,
		},
		{
			name:     "float64 milliseconds",
			input:    float64(testTimeMs),
			expected: testTimeMs,
		},
		{
			name:     "float64 seconds",
			input:    float64(1673785845),
			expected: 1673785845000,
		},
		{
			name:     "int seconds",
			input:    1673785845,
			expected: 1673785845000,
		},
		{
			name:     "RFC3339 string",
			input:    testTimeString,
			expected: 1673785845000,
		},
		{
			name:     "device wall-clock with millis",
			input:    "2023-01-15 12:30:45.123",
			expected: testTimeMs,
		},
		{
			name:     "device wall-clock without millis",
			input:    "2023-01-15 12:30:45",
			expected: 1673785845000,
		},
		{
			name:     "T-separated without zone",
			input:    "2023-01-15T12:30:45.123",
			expected: testTimeMs,
		},
		{
			name:     "numeric string milliseconds",
			input:    "1673785845123",
			expected: testTimeMs,
		},
		{
			name:     "numeric string seconds",
			input:    "1673785845",
			expected: 1673785845000,
		},
		{
			name:     "empty string",
			input:    "",
			expected: 0,
		},
		{
			name:     "garbage string",
			input:    "not a timestamp",
			expected: 0,
		},
		{
			name:     "time.Time",
			input:    testTime,
			expected: testTimeMs,
		},
		{
			name:     "nil time pointer",
			input:    (*time.Time)(nil),
			expected: 0,
		},
		{
			name:     "unsupported type",
			input:    struct{}{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse(tt.input)
			if result != tt.expected {
				t.Errorf("Parse(%v) = %d, expected %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	// Device format survives a format/parse cycle
	ms := testTimeMs
	formatted := FormatDevice(ms)
	parsed := Parse(formatted)
	if parsed != ms {
		t.Errorf("round trip through device format: got %d, expected %d", parsed, ms)
	}

	// ISO8601 drops sub-second precision
	iso := FormatISO8601(ms)
	parsed = Parse(iso)
	if parsed != 1673785845000 {
		t.Errorf("round trip through ISO8601: got %d, expected %d", parsed, int64(1673785845000))
	}
}

func TestIsZero(t *testing.T) {
	if !IsZero(0) {
		t.Error("IsZero(0) should be true")
	}
	if IsZero(testTimeMs) {
		t.Errorf("IsZero(%d) should be false", testTimeMs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		input   int64
		wantErr bool
	}{
		{
			name:    "valid timestamp",
			input:   testTimeMs,
			wantErr: false,
		},
		{
			name:    "zero is valid",
			input:   0,
			wantErr: false,
		},
		{
			name:    "negative is invalid",
			input:   -1,
			wantErr: true,
		},
		{
			name:    "beyond year 3000 is invalid",
			input:   32503680000001,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%d) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
