package sensor

import (
	"context"
	"fmt"
	"time"
)

// RawEvent is whatever a sensor emits before normalization. Its concrete
// type is private to the sensor; the orchestrator only carries it from the
// stream to Convert.
type RawEvent any

// Event is the normalized representation handed to the consumer.
type Event struct {
	Source  string    `json:"source"` // derived sensor name
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Stream is one live listening session of a sensor. Next blocks until the
// next raw event is available and returns io.EOF when the sequence is
// naturally exhausted. Next must honor ctx cancellation. Close releases the
// session's resources and must be safe to call after Next returned an error.
type Stream interface {
	Next(ctx context.Context) (RawEvent, error)
	Close() error
}

// Sensor produces a lazy, restartable, unbounded sequence of raw events.
// Each Listen call opens a fresh stream, so a sensor whose previous loop
// failed can be listened to again by an external recovery trigger.
type Sensor interface {
	// Name derives a stable identity from the sensor's kind/instance.
	Name() string
	Listen(ctx context.Context) (Stream, error)
	Convert(raw RawEvent) (Event, error)
}

// Failure wraps one sensor loop's terminal error. It is recorded in the
// health ledger and logged; it is never returned to the aggregate caller.
type Failure struct {
	Sensor string
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("sensor %s: %v", f.Sensor, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
