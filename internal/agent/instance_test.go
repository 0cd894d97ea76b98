package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/config"
)

func TestBeginRunPublishesStartedAndCompleted(t *testing.T) {
	eventBus := bus.New(nil)
	inst := newInstance(context.Background(), "main", "/ws", config.AgentDefinition{}, nil, nil, eventBus, nil)

	started := make(chan bus.RunStartedPayload, 1)
	completed := make(chan bus.RunCompletedPayload, 1)
	eventBus.Subscribe(bus.TopicRunStarted, bus.HandlerFunc(func(e bus.AgentEvent) {
		started <- e.Payload.(bus.RunStartedPayload)
	}))
	eventBus.Subscribe(bus.TopicRunCompleted, bus.HandlerFunc(func(e bus.AgentEvent) {
		completed <- e.Payload.(bus.RunCompletedPayload)
	}))

	runID, end := inst.BeginRun()
	if runID == "" {
		t.Fatal("BeginRun() returned empty runID")
	}
	end(errors.New("boom"))

	select {
	case p := <-started:
		if p.RunID != runID || p.Agent != "main" {
			t.Errorf("run.started payload = %+v, want RunID=%s Agent=main", p, runID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run.started")
	}

	select {
	case p := <-completed:
		if p.RunID != runID || p.Agent != "main" || p.Err == nil {
			t.Errorf("run.completed payload = %+v, want RunID=%s Agent=main Err=boom", p, runID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run.completed")
	}
}
