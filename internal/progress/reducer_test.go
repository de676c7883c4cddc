package progress

import (
	"errors"
	"testing"

	"github.com/splax/bluegreen/internal/domain"
)

func stageEvent(n any) domain.DeploymentEvent {
	return domain.DeploymentEvent{Type: domain.EventStage, Message: "stage", Details: map[string]any{"stage": n}}
}

func mustApply(t *testing.T, p Progress, ev domain.DeploymentEvent) Progress {
	t.Helper()
	next, err := Apply(p, ev)
	if err != nil {
		t.Fatalf("apply %s: %v", ev.Type, err)
	}
	return next
}

func TestApplyStageThenSuccess(t *testing.T) {
	p := New("dep-1")
	p = mustApply(t, p, stageEvent(1.0))
	if p.CurrentStage != domain.StageDockerBuild {
		t.Fatalf("expected Docker Build, got %q", p.CurrentStage)
	}

	p = mustApply(t, p, domain.DeploymentEvent{Type: domain.EventSuccess, Message: "done"})
	if p.CurrentStage != domain.StageCompleted {
		t.Fatalf("expected Completed, got %q", p.CurrentStage)
	}
	if !p.IsComplete || p.HasError {
		t.Fatalf("expected complete without error, got complete=%v error=%v", p.IsComplete, p.HasError)
	}
	if len(p.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(p.Events))
	}
}

func TestApplyFailWithStage(t *testing.T) {
	p := mustApply(t, New("dep-1"), domain.DeploymentEvent{
		Type:    domain.EventFail,
		Message: "push rejected",
		Details: map[string]any{"stage": 2.0},
	})
	if p.CurrentStage != domain.StageECRPush {
		t.Fatalf("expected ECR Push, got %q", p.CurrentStage)
	}
	if !p.IsComplete || !p.HasError {
		t.Fatalf("expected complete with error, got complete=%v error=%v", p.IsComplete, p.HasError)
	}
}

func TestApplyFailWithoutStageFallsBackToFailed(t *testing.T) {
	for _, details := range []map[string]any{nil, {"stage": "two"}, {"stage": 0.0}} {
		p := mustApply(t, New("dep-1"), domain.DeploymentEvent{Type: domain.EventFail, Details: details})
		if p.CurrentStage != domain.StageFailed {
			t.Fatalf("details %v: expected Failed, got %q", details, p.CurrentStage)
		}
	}
}

func TestApplyStageIgnoredAfterCompletion(t *testing.T) {
	p := mustApply(t, New("dep-1"), domain.DeploymentEvent{Type: domain.EventSuccess})
	p = mustApply(t, p, stageEvent(2.0))
	p = mustApply(t, p, domain.DeploymentEvent{Type: domain.EventError, Message: "late"})
	p = mustApply(t, p, domain.DeploymentEvent{Type: domain.EventFail})

	if p.CurrentStage != domain.StageCompleted {
		t.Fatalf("expected stage frozen at Completed, got %q", p.CurrentStage)
	}
	if p.HasError {
		t.Fatalf("expected late frames not to set hasError")
	}
	if len(p.Events) != 4 {
		t.Fatalf("expected late frames to be kept in history, got %d events", len(p.Events))
	}
}

func TestApplyInvalidStageLeavesStageUnchanged(t *testing.T) {
	p := mustApply(t, New("dep-1"), stageEvent(3.0))
	for _, v := range []any{0.0, -2.0, "4", nil, 1.5} {
		p = mustApply(t, p, stageEvent(v))
		if p.CurrentStage != domain.StageECSDeployment {
			t.Fatalf("stage %v: expected ECS Deployment, got %q", v, p.CurrentStage)
		}
	}
	p = mustApply(t, p, stageEvent(7.0))
	if p.CurrentStage != domain.StageBlueGreen {
		t.Fatalf("expected Blue/Green, got %q", p.CurrentStage)
	}
}

func TestApplyLogOnlyEvents(t *testing.T) {
	p := New("dep-1")
	for _, typ := range []domain.EventType{domain.EventStatus, domain.EventLog, domain.EventDone} {
		p = mustApply(t, p, domain.DeploymentEvent{Type: typ, Message: string(typ)})
	}
	if p.CurrentStage != domain.StageIdle || p.IsComplete || p.HasError {
		t.Fatalf("expected log-only events to leave flags untouched, got %+v", p)
	}
	if len(p.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(p.Events))
	}
}

func TestApplySuccessClearsEarlierError(t *testing.T) {
	p := mustApply(t, New("dep-1"), domain.DeploymentEvent{Type: domain.EventError, Message: "health check flapped"})
	if !p.HasError || p.IsComplete {
		t.Fatalf("expected error without completion, got error=%v complete=%v", p.HasError, p.IsComplete)
	}
	p = mustApply(t, p, domain.DeploymentEvent{Type: domain.EventSuccess})
	if p.HasError || !p.IsComplete {
		t.Fatalf("expected clean completion, got error=%v complete=%v", p.HasError, p.IsComplete)
	}
	p = mustApply(t, p, domain.DeploymentEvent{Type: domain.EventError, Message: "late"})
	if p.HasError {
		t.Fatalf("expected error after completion to leave hasError unchanged")
	}
	if p.CurrentStage != domain.StageCompleted {
		t.Fatalf("expected Completed, got %q", p.CurrentStage)
	}
}

func TestApplyConnectedIsNotHistory(t *testing.T) {
	p := mustApply(t, New("dep-1"), domain.DeploymentEvent{Type: domain.EventConnected, Message: "hello"})
	if len(p.Events) != 0 {
		t.Fatalf("expected connected to stay out of history, got %d events", len(p.Events))
	}
	if !p.IsConnected {
		t.Fatalf("expected connected flag")
	}
}

func TestApplyUnknownType(t *testing.T) {
	p := New("dep-1")
	next, err := Apply(p, domain.DeploymentEvent{Type: "docker", Message: "layer pulled"})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	if len(next.Events) != 0 || next.CurrentStage != domain.StageIdle {
		t.Fatalf("expected unknown event to be ignored, got %+v", next)
	}
}

func TestApplyHistoryIsMonotonicAndOrdered(t *testing.T) {
	sequence := []domain.DeploymentEvent{
		{Type: domain.EventStatus, Message: "0"},
		{Type: domain.EventConnected, Message: "skip"},
		{Type: domain.EventStage, Message: "1", Details: map[string]any{"stage": 1.0}},
		{Type: "ecr", Message: "skip"},
		{Type: domain.EventLog, Message: "2"},
		{Type: domain.EventError, Message: "3"},
		{Type: domain.EventFail, Message: "4"},
		{Type: domain.EventLog, Message: "5"},
	}
	p := New("dep-1")
	prevLen := 0
	for _, ev := range sequence {
		p, _ = Apply(p, ev)
		if len(p.Events) < prevLen {
			t.Fatalf("history shrank from %d to %d", prevLen, len(p.Events))
		}
		prevLen = len(p.Events)
	}
	for i, ev := range p.Events {
		if want := string(rune('0' + i)); ev.Message != want {
			t.Fatalf("event %d: expected message %q, got %q", i, want, ev.Message)
		}
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	base := mustApply(t, New("dep-1"), domain.DeploymentEvent{Type: domain.EventLog, Message: "a"})
	left := mustApply(t, base, domain.DeploymentEvent{Type: domain.EventLog, Message: "left"})
	right := mustApply(t, base, domain.DeploymentEvent{Type: domain.EventLog, Message: "right"})

	if len(base.Events) != 1 {
		t.Fatalf("expected base to keep one event, got %d", len(base.Events))
	}
	if left.Events[1].Message != "left" || right.Events[1].Message != "right" {
		t.Fatalf("expected branches to be independent, got %q and %q", left.Events[1].Message, right.Events[1].Message)
	}
}

func TestOpenedStartsPipelineOnlyWhenPending(t *testing.T) {
	p := Opened(New("dep-1"))
	if p.CurrentStage != domain.StageDockerBuild || !p.IsConnected {
		t.Fatalf("expected Docker Build and connected, got %q connected=%v", p.CurrentStage, p.IsConnected)
	}

	staged := mustApply(t, New("dep-1"), stageEvent(3.0))
	if got := Opened(staged).CurrentStage; got != domain.StageECSDeployment {
		t.Fatalf("expected reopen to keep ECS Deployment, got %q", got)
	}

	errored := mustApply(t, New("dep-1"), domain.DeploymentEvent{Type: domain.EventError})
	if got := Opened(errored).CurrentStage; got != domain.StageIdle {
		t.Fatalf("expected errored aggregate to stay idle, got %q", got)
	}

	if Disconnected(p).IsConnected {
		t.Fatalf("expected disconnected")
	}
}
