package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIntent(requestID string) IntentRecord {
	return IntentRecord{
		RequestID:    requestID,
		SessionID:    "sess-1",
		Mode:         "GAME",
		Domain:       "lighting",
		Urgency:      "low",
		UserText:     "make it moody",
		ResponseText: "dimming the rig",
		NeedsTools:   true,
	}
}

func testActions(requestID string) []ActionRecord {
	return []ActionRecord{
		{
			RequestID:   requestID,
			ActionID:    "a1",
			ToolName:    "lights.scene",
			Parameters:  json.RawMessage(`{"scene":"combat"}`),
			SafetyLevel: "low",
			TimeoutMS:   5000,
			Confidence:  0.92,
		},
		{
			RequestID:   requestID,
			ActionID:    "a2",
			ToolName:    "send_chat",
			Parameters:  json.RawMessage(`{"text":"o7"}`),
			SafetyLevel: "medium",
			TimeoutMS:   600,
			Confidence:  0.8,
		},
	}
}

func TestPutIntent_QueuesActions(t *testing.T) {
	s := newTestStore(t)

	created, err := s.PutIntent(testIntent("req-1"), testActions("req-1"))
	require.NoError(t, err)
	assert.True(t, created)

	actions, err := s.ListActions("req-1")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "a1", actions[0].ActionID, "declared order preserved")
	assert.Equal(t, "a2", actions[1].ActionID)
	for _, a := range actions {
		assert.Equal(t, ActionQueued, a.Status)
	}
}

func TestPutIntent_ReplayIsNoOp(t *testing.T) {
	s := newTestStore(t)

	_, err := s.PutIntent(testIntent("req-1"), testActions("req-1"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateAction("req-1", "a1", ActionUpdate{Status: ActionApproved}))

	// Replaying the same request id must not reset anything.
	created, err := s.PutIntent(testIntent("req-1"), testActions("req-1"))
	require.NoError(t, err)
	assert.False(t, created)

	a, err := s.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, ActionApproved, a.Status)

	actions, err := s.ListActions("req-1")
	require.NoError(t, err)
	assert.Len(t, actions, 2, "no duplicate action rows")
}

func TestGetIntent_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetIntent("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAction_Transitions(t *testing.T) {
	s := newTestStore(t)

	_, err := s.PutIntent(testIntent("req-1"), testActions("req-1"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateAction("req-1", "a1", ActionUpdate{
		Status:     ActionApproved,
		IncidentID: "inc-7",
	}))
	require.NoError(t, s.UpdateAction("req-1", "a1", ActionUpdate{
		Status:   ActionSuccess,
		Output:   json.RawMessage(`{"scene":"combat"}`),
		Executed: true,
	}))

	a, err := s.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, ActionSuccess, a.Status)
	assert.Equal(t, "inc-7", a.IncidentID, "incident survives later transitions")
	assert.JSONEq(t, `{"scene":"combat"}`, string(a.Output))
	assert.False(t, a.ExecutedAt.IsZero())

	err = s.UpdateAction("req-1", "nope", ActionUpdate{Status: ActionDenied})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAction_DeniedCarriesReason(t *testing.T) {
	s := newTestStore(t)

	_, err := s.PutIntent(testIntent("req-1"), testActions("req-1"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateAction("req-1", "a2", ActionUpdate{
		Status:     ActionDenied,
		ReasonCode: "DENY_TOOL",
	}))

	a, err := s.GetAction("req-1", "a2")
	require.NoError(t, err)
	assert.Equal(t, ActionDenied, a.Status)
	assert.Equal(t, "DENY_TOOL", a.ReasonCode)
	assert.True(t, a.ExecutedAt.IsZero(), "denied actions never executed")
}

func TestPutFeedback(t *testing.T) {
	s := newTestStore(t)

	_, err := s.PutIntent(testIntent("req-1"), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, s.PutFeedback("req-1", 0, ""), ErrInvalidRating)
	assert.ErrorIs(t, s.PutFeedback("req-1", 2, ""), ErrInvalidRating)
	assert.ErrorIs(t, s.PutFeedback("missing", 1, ""), ErrNotFound)

	require.NoError(t, s.PutFeedback("req-1", 1, ""))
	require.NoError(t, s.PutFeedback("req-1", -1, "too dark"))
}

func TestConsumeConfirmation_Lifecycle(t *testing.T) {
	s := newTestStore(t)

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := issued.Add(12 * time.Second)
	require.NoError(t, s.PutConfirmation(ConfirmationRecord{
		Token:      "tok-1",
		IncidentID: "inc-1",
		ToolName:   "input.keypress",
		RequestID:  "req-1",
		ActionID:   "a1",
		IssuedAt:   issued,
		ConfirmBy:  deadline,
	}))

	rec, err := s.ConsumeConfirmation("tok-1", deadline.Add(-time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "inc-1", rec.IncidentID)
	assert.Equal(t, "input.keypress", rec.ToolName)

	// Second use must read as unknown, not expired.
	_, err = s.ConsumeConfirmation("tok-1", deadline.Add(-time.Millisecond))
	assert.ErrorIs(t, err, ErrTokenUnknown)
}

func TestConsumeConfirmation_ExpiryBoundary(t *testing.T) {
	s := newTestStore(t)

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := issued.Add(12 * time.Second)
	require.NoError(t, s.PutConfirmation(ConfirmationRecord{
		Token:     "tok-edge",
		ToolName:  "input.keypress",
		IssuedAt:  issued,
		ConfirmBy: deadline,
	}))

	_, err := s.ConsumeConfirmation("tok-edge", deadline.Add(time.Millisecond))
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Exactly at the deadline still counts.
	rec, err := s.ConsumeConfirmation("tok-edge", deadline)
	require.NoError(t, err)
	assert.Equal(t, deadline, rec.ConsumedAt)
}

func TestConsumeConfirmation_Unknown(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ConsumeConfirmation("never-minted", time.Now().UTC())
	assert.ErrorIs(t, err, ErrTokenUnknown)
}
