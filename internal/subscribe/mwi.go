package subscribe

import (
	"bufio"
	"strconv"
	"strings"
)

// MWIStatus is the parsed application/simple-message-summary body (spec §6
// "Optional message-summary for voicemail MWI"), feeding the Indicator
// State Machine's IdleWithVoicemail priority rung.
type MWIStatus struct {
	MessagesWaiting bool
	NewMessages     int
	OldMessages     int
}

// ParseMWI parses a message-summary NOTIFY body. Unrecognized or malformed
// lines are ignored; a body with neither header yields the zero value
// (no messages waiting).
func ParseMWI(body []byte) MWIStatus {
	var status MWIStatus
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "messages-waiting":
			status.MessagesWaiting = strings.EqualFold(value, "yes")
		case "voice-message":
			status.NewMessages, status.OldMessages = parseMessageCounts(value)
		}
	}
	return status
}

// parseMessageCounts parses a "<new>/<old>" counter pair, e.g. "4/12",
// tolerating the optional "(urgent)" trailer some PBXs append.
func parseMessageCounts(value string) (newCount, oldCount int) {
	value, _, _ = strings.Cut(value, " ")
	parts := strings.SplitN(value, "/", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	newCount, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	oldCount, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	return newCount, oldCount
}
