// Package telemetry defines the timeline events the loadnet engine emits
// during load and execution. The engine only emits; how events are stored or
// visualized is the sink's concern.
package telemetry

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventKind discriminates the timeline events.
type EventKind string

const (
	NetworkLoadStart EventKind = "NetworkLoadStart"
	NetworkLoadEnd   EventKind = "NetworkLoadEnd"
	NetworkUnload    EventKind = "NetworkUnload"
	NetworkStructure EventKind = "NetworkStructure"
	InferenceStart   EventKind = "InferenceStart"
	InferenceEnd     EventKind = "InferenceEnd"
	WorkloadStart    EventKind = "WorkloadStart"
	WorkloadEnd      EventKind = "WorkloadEnd"
)

// Event is one timeline entry, keyed by the globally unique network id.
type Event struct {
	Kind       EventKind `json:"kind"`
	NetworkID  string    `json:"networkId"`
	Timestamp  time.Time `json:"timestamp"`
	LayerID    int       `json:"layerId,omitempty"`
	LayerName  string    `json:"layerName,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	DurationNS uint64    `json:"durationNs,omitempty"`
	Detail     any       `json:"detail,omitempty"`
}

// Sink receives timeline events. Emit must be safe for concurrent use: the
// engine calls it from every caller thread driving an execution.
type Sink interface {
	Emit(Event)
}

// NopSink drops all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// LogSink writes each event as a structured log line with the event payload
// serialized to JSON.
type LogSink struct {
	Logger *log.Logger
}

func (s *LogSink) Emit(event Event) {
	logger := s.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("cannot serialize telemetry event")
		return
	}
	logger.Info().
		Str("networkId", event.NetworkID).
		Str("kind", string(event.Kind)).
		RawJSON("event", payload).
		Msg("telemetry")
}
