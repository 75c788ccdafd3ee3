package events

import (
	"testing"

	"github.com/dukex/opsflow/pkg/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBaseEvent(t *testing.T) {
	t.Parallel()

	event := NewBaseEvent(InstanceStartedEvent)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, InstanceStartedEvent, event.Type)
	assert.False(t, event.Timestamp.IsZero())
	assert.NotNil(t, event.Metadata)
}

func TestNew_KnowsEveryType(t *testing.T) {
	t.Parallel()

	types := []EventType{
		DefinitionPublishedEvent,
		InstanceStartedEvent,
		InstanceSuspendedEvent,
		InstanceResumedEvent,
		InstanceCompletedEvent,
		InstanceFailedEvent,
		InstanceTerminatedEvent,
		InstanceVariablesUpdatedEvent,
		NodeStartedEvent,
		NodeFinishedEvent,
		ResumeRequestedEvent,
		TerminateRequestedEvent,
	}

	for _, eventType := range types {
		t.Run(string(eventType), func(t *testing.T) {
			t.Parallel()

			event := New(eventType)
			require.NotNil(t, event)

			typed, ok := event.(interface{ GetType() EventType })
			require.True(t, ok)
			assert.Equal(t, eventType, typed.GetType())
		})
	}

	assert.Nil(t, New("workflow.triggered"))
}

func TestNodeFinished_JSON(t *testing.T) {
	t.Parallel()

	original := NodeFinished{
		BaseEvent:  NewBaseEvent(NodeFinishedEvent),
		InstanceID: "inst-1",
		NodeID:     "backup",
		NodeType:   "action",
		RecordID:   "rec-1",
		Status:     "failed",
		Error:      "executor timed out",
		DurationMs: 1500,
	}

	data, err := xjson.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"node.finished"`)
	assert.Contains(t, string(data), `"record_id":"rec-1"`)

	decoded, ok := New(NodeFinishedEvent).(*NodeFinished)
	require.True(t, ok)
	require.NoError(t, xjson.Unmarshal(data, decoded))
	assert.Equal(t, original.InstanceID, decoded.InstanceID)
	assert.Equal(t, original.Error, decoded.Error)
	assert.Equal(t, original.DurationMs, decoded.DurationMs)
}

func TestResumeRequested_JSON(t *testing.T) {
	t.Parallel()

	original := ResumeRequested{
		BaseEvent:   NewBaseEvent(ResumeRequestedEvent),
		InstanceID:  "inst-1",
		ResumeToken: "tok",
		Payload:     map[string]any{"approved": true},
	}

	data, err := xjson.Marshal(original)
	require.NoError(t, err)

	var decoded ResumeRequested
	require.NoError(t, xjson.Unmarshal(data, &decoded))
	assert.Equal(t, true, decoded.Payload["approved"])
	assert.Equal(t, ResumeRequestedEvent, decoded.Type)
}
