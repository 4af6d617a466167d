package ingestion

import (
	"fmt"
	"strings"

	"ConsolLedger/internal/event"
)

// Subject roots for inbound messages. A subject's third token names the
// command type, e.g. consol.commands.period_pay or consol.feeds.price_update.BTC.
const (
	CommandSubjectRoot = "consol.commands"
	FeedSubjectRoot    = "consol.feeds"
)

// ParseCommand converts a JSON payload and its wire type name into a typed,
// validated command.
func ParseCommand(eventType string, data []byte) (event.Event, error) {
	t, err := event.ParseEventType(eventType)
	if err != nil {
		return nil, err
	}
	evt, err := event.Decode(t, data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	return evt, nil
}

// ParseRawEvent parses a message received from NATS, taking the command type
// from its subject.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	eventType, err := TypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	evt, err := ParseCommand(eventType, raw.Data)
	if err != nil {
		return nil, err
	}
	if isFeedSubject(raw.Subject) != isFeed(evt) {
		return nil, fmt.Errorf("%w: %s not accepted on %s", event.ErrInvalidCommand, eventType, raw.Subject)
	}
	return evt, nil
}

// TypeFromSubject returns the command type token of an inbound subject.
func TypeFromSubject(subject string) (string, error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 3 || tokens[2] == "" {
		return "", fmt.Errorf("%w: subject %q names no command type", event.ErrInvalidCommand, subject)
	}
	root := tokens[0] + "." + tokens[1]
	if root != CommandSubjectRoot && root != FeedSubjectRoot {
		return "", fmt.Errorf("%w: unexpected subject %q", event.ErrInvalidCommand, subject)
	}
	return tokens[2], nil
}

func isFeedSubject(subject string) bool {
	return strings.HasPrefix(subject, FeedSubjectRoot+".")
}

func isFeed(evt event.Event) bool {
	switch evt.EventType() {
	case event.EventTypePriceUpdate, event.EventTypeRateUpdate:
		return true
	}
	return false
}
