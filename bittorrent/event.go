package bittorrent

import (
	"errors"
	"strings"
)

// ErrUnknownEvent is returned when NewEvent fails to return an event.
var ErrUnknownEvent = errors.New("unknown event")

// Event represents an event done by a BitTorrent client.
type Event uint8

const (
	// Update is the event of a periodic announce, sent because the announce
	// interval elapsed. On the wire it is the empty or "none" event.
	Update Event = iota

	// Started is the event sent by a BitTorrent client when it joins a swarm.
	Started

	// Stopped is the event sent by a BitTorrent client when it leaves a swarm.
	Stopped

	// Completed is the event sent by a BitTorrent client when it finishes
	// downloading all of the required chunks.
	Completed
)

var (
	eventToString = map[Event]string{
		Update:    "update",
		Started:   "started",
		Stopped:   "stopped",
		Completed: "completed",
	}
	stringToEvent = map[string]Event{
		"":     Update,
		"none": Update,
	}
)

func init() {
	for k, v := range eventToString {
		stringToEvent[v] = k
	}
}

// NewEvent returns the Event named by eventStr, ignoring case.
func NewEvent(eventStr string) (Event, error) {
	if e, ok := stringToEvent[strings.ToLower(eventStr)]; ok {
		return e, nil
	}

	return Update, ErrUnknownEvent
}

// Valid reports whether e is one of the defined events.
func (e Event) Valid() bool {
	_, ok := eventToString[e]
	return ok
}

// String implements Stringer for an event.
func (e Event) String() string {
	if name, ok := eventToString[e]; ok {
		return name
	}

	panic("bittorrent: event has no associated name")
}

// MarshalText implements encoding.TextMarshaler.
func (e Event) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, ErrUnknownEvent
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Event) UnmarshalText(b []byte) error {
	parsed, err := NewEvent(string(b))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
