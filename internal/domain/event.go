package domain

import (
	"encoding/json"
	"math"
	"time"
)

// EventType tags a deployment stream message.
type EventType string

const (
	EventStatus    EventType = "status"
	EventLog       EventType = "log"
	EventStage     EventType = "stage"
	EventDone      EventType = "done"
	EventError     EventType = "error"
	EventSuccess   EventType = "success"
	EventFail      EventType = "fail"
	EventConnected EventType = "connected"
)

// Known reports whether t is part of the deployment event vocabulary.
func (t EventType) Known() bool {
	switch t {
	case EventStatus, EventLog, EventStage, EventDone, EventError, EventSuccess, EventFail, EventConnected:
		return true
	default:
		return false
	}
}

// Terminal reports whether t fixes the outcome of a deployment.
func (t EventType) Terminal() bool {
	return t == EventSuccess || t == EventFail
}

// TimestampLayout matches the millisecond ISO-8601 form emitted by the deployment API.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// DeploymentEvent is one message from a deployment event stream.
type DeploymentEvent struct {
	Type      EventType      `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Stamp returns a copy of e carrying now as its timestamp when none was sent.
func (e DeploymentEvent) Stamp(now time.Time) DeploymentEvent {
	if e.Timestamp == "" {
		e.Timestamp = now.UTC().Format(TimestampLayout)
	}
	return e
}

// StageNumber extracts details.stage as an integer. Missing, fractional or
// non-numeric values report false.
func (e DeploymentEvent) StageNumber() (int, bool) {
	if e.Details == nil {
		return 0, false
	}
	raw, ok := e.Details["stage"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return clampStage(float64(v)), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return clampStage(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return clampStage(float64(n)), true
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return clampStage(f), true
	default:
		return 0, false
	}
}

// clampStage keeps out-of-range stage numbers on the side of the label they
// map to.
func clampStage(v float64) int {
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	default:
		return int(v)
	}
}
