package natsclient

import "strings"

// Channel names use colon-separated segments (alarms:all, schedule:execute:7)
// because that is what upstream collectors publish on. NATS subjects use
// dot-separated tokens with ">" as the tail wildcard, so subscriptions go
// through this mapping at the bus boundary and nowhere else.

// SubjectFromChannel converts an external channel name to a NATS subject.
// Colons become dots, and a trailing "*" segment becomes ">" so that
// "alarms:*" matches every alarm channel regardless of depth. A "*" in the
// middle of a name stays "*" (single-token wildcard).
func SubjectFromChannel(channel string) string {
	if channel == "" {
		return ""
	}

	subject := strings.ReplaceAll(channel, ":", ".")

	if subject == "*" {
		return ">"
	}
	if strings.HasSuffix(subject, ".*") {
		subject = strings.TrimSuffix(subject, ".*") + ".>"
	}

	return subject
}

// ChannelFromSubject converts a NATS subject back to the external channel
// form. It is the inverse of SubjectFromChannel for names without wildcards;
// wildcard subjects map ">" back to "*".
func ChannelFromSubject(subject string) string {
	if subject == "" {
		return ""
	}

	channel := strings.ReplaceAll(subject, ".", ":")

	if channel == ">" {
		return "*"
	}
	if strings.HasSuffix(channel, ":>") {
		channel = strings.TrimSuffix(channel, ":>") + ":*"
	}

	return channel
}
