// Package notify fans controller pipe events out to subscribers and
// forwards them to MQTT.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrBusClosed          = errors.New("notify: bus is closed")
	ErrSubscriberExists   = errors.New("notify: subscriber already exists")
	ErrSubscriberNotFound = errors.New("notify: subscriber not found")
	ErrNilChannel         = errors.New("notify: nil channel provided")
	ErrNotConnected       = errors.New("notify: mqtt not connected")
)

// Kind is the type of a pipe event.
type Kind int

const (
	KindFrameSync Kind = iota
	KindEndOfStream
	KindRequestDrained
)

func (k Kind) String() string {
	switch k {
	case KindFrameSync:
		return "frame_sync"
	case KindEndOfStream:
		return "end_of_stream"
	case KindRequestDrained:
		return "request_drained"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one pipe-level notification.
type Event struct {
	Kind Kind      `msgpack:"kind"`
	Pipe string    `msgpack:"pipe"`
	Seq  int       `msgpack:"seq"`
	At   time.Time `msgpack:"at"`
}

// Marshal encodes ev as a msgpack payload.
func (ev Event) Marshal() ([]byte, error) {
	b, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("notify: encode %s: %w", ev.Kind, err)
	}
	return b, nil
}

// Unmarshal decodes a payload written by Marshal.
func Unmarshal(b []byte) (Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("notify: decode: %w", err)
	}
	return ev, nil
}

// SubscriberStats tracks event distribution to one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the bus.
type Stats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}
