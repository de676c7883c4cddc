package progress

import (
	"errors"
	"fmt"
	"slices"

	"github.com/splax/bluegreen/internal/domain"
)

// ErrUnknownEventType is returned by Apply for tags outside the event vocabulary.
var ErrUnknownEventType = errors.New("unknown deployment event type")

// Progress is the aggregate reconstructed from one deployment's event stream.
type Progress struct {
	DeploymentID string                   `json:"deploymentId"`
	Events       []domain.DeploymentEvent `json:"events"`
	CurrentStage string                   `json:"currentStage"`
	IsConnected  bool                     `json:"isConnected"`
	IsComplete   bool                     `json:"isComplete"`
	HasError     bool                     `json:"hasError"`
}

// New returns the idle aggregate for deploymentID.
func New(deploymentID string) Progress {
	return Progress{
		DeploymentID: deploymentID,
		Events:       []domain.DeploymentEvent{},
		CurrentStage: domain.StageIdle,
	}
}

// Apply folds ev into p and returns the next aggregate. p is not modified.
//
// Once p is complete, events still extend the history but stage, error and
// completion flags are frozen. Unknown tags leave p unchanged and return
// ErrUnknownEventType.
func Apply(p Progress, ev domain.DeploymentEvent) (Progress, error) {
	switch ev.Type {
	case domain.EventConnected:
		p.IsConnected = true
		return p, nil
	case domain.EventStatus, domain.EventLog, domain.EventDone:
		p.Events = appendEvent(p.Events, ev)
	case domain.EventStage:
		p.Events = appendEvent(p.Events, ev)
		if p.IsComplete {
			return p, nil
		}
		if label, ok := stageOf(ev); ok {
			p.CurrentStage = label
		}
	case domain.EventError:
		p.Events = appendEvent(p.Events, ev)
		if !p.IsComplete {
			p.HasError = true
		}
	case domain.EventSuccess:
		p.Events = appendEvent(p.Events, ev)
		if p.IsComplete {
			return p, nil
		}
		p.CurrentStage = domain.StageCompleted
		p.IsComplete = true
		p.HasError = false
	case domain.EventFail:
		p.Events = appendEvent(p.Events, ev)
		if p.IsComplete {
			return p, nil
		}
		p.CurrentStage = domain.StageFailed
		if label, ok := stageOf(ev); ok {
			p.CurrentStage = label
		}
		p.IsComplete = true
		p.HasError = true
	default:
		return p, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	return p, nil
}

// Opened records stream establishment. A pending aggregate moves to the first
// pipeline stage because an open stream means the pipeline has started.
func Opened(p Progress) Progress {
	p.IsConnected = true
	if !p.IsComplete && !p.HasError && domain.StagePending(p.CurrentStage) {
		p.CurrentStage = domain.StageDockerBuild
	}
	return p
}

// Disconnected clears the transport flag.
func Disconnected(p Progress) Progress {
	p.IsConnected = false
	return p
}

func stageOf(ev domain.DeploymentEvent) (string, bool) {
	n, ok := ev.StageNumber()
	if !ok {
		return "", false
	}
	return domain.StageLabel(n)
}

// appendEvent never writes into the backing array of events, so earlier
// aggregates and published snapshots stay intact.
func appendEvent(events []domain.DeploymentEvent, ev domain.DeploymentEvent) []domain.DeploymentEvent {
	return append(slices.Clip(events), ev)
}
