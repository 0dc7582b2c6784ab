package natsclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectFromChannel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{
			name:    "simple channel",
			channel: "alarms:all",
			want:    "alarms.all",
		},
		{
			name:    "three segments",
			channel: "schedule:execute:7",
			want:    "schedule.execute.7",
		},
		{
			name:    "trailing wildcard",
			channel: "alarms:*",
			want:    "alarms.>",
		},
		{
			name:    "bare wildcard",
			channel: "*",
			want:    ">",
		},
		{
			name:    "mid wildcard stays single token",
			channel: "alarms:*:critical",
			want:    "alarms.*.critical",
		},
		{
			name:    "no separator",
			channel: "shutdown",
			want:    "shutdown",
		},
		{
			name:    "empty",
			channel: "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectFromChannel(tt.channel))
		})
	}
}

func TestChannelFromSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{
			name:    "simple subject",
			subject: "alarms.all",
			want:    "alarms:all",
		},
		{
			name:    "tail wildcard",
			subject: "alarms.>",
			want:    "alarms:*",
		},
		{
			name:    "bare wildcard",
			subject: ">",
			want:    "*",
		},
		{
			name:    "system control subject",
			subject: "system.reload_config",
			want:    "system:reload_config",
		},
		{
			name:    "empty",
			subject: "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChannelFromSubject(tt.subject))
		})
	}
}

func TestSubjectChannelRoundTrip(t *testing.T) {
	channels := []string{
		"alarms:all",
		"alarms:critical",
		"schedule:reload",
		"schedule:execute:12",
		"schedule:stop:12",
		"system:shutdown",
		"alarms:*",
	}

	for _, channel := range channels {
		assert.Equal(t, channel, ChannelFromSubject(SubjectFromChannel(channel)),
			"round trip should preserve %q", channel)
	}
}
