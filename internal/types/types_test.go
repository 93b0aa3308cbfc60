package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSession(t *testing.T) Session {
	t.Helper()

	refactored := "x := 1\n"
	errMsg := ""
	completed := time.Date(2025, 6, 1, 12, 30, 0, 123456789, time.UTC)

	return Session{
		RefactorID:     uuid.New(),
		TargetPath:     "testdata/target.py",
		Status:         StatusCompleted,
		Progress:       100,
		AgentSet:       []string{"pattern_optimizer", "security_enforcer"},
		OriginalCode:   "x = 1\n",
		RefactoredCode: &refactored,
		EvolutionHistory: []EvolutionStep{
			{
				Iteration:   0,
				Timestamp:   completed.Add(-time.Minute),
				Agent:       "pattern_optimizer",
				Category:    CategoryOptimization,
				Confidence:  0.7,
				Description: "Convert to list comprehension",
				CodeDiff:    "-x = 1\n+x := 1",
			},
		},
		ConsensusLog: []ConsensusDecision{
			{
				Timestamp: completed.Add(-time.Minute),
				Decision:  DecisionAccept,
				Votes: map[string]map[string]float64{
					"pattern_optimizer": {"pattern_optimizer_0_optimization": 0.8},
				},
				WinningAgent: "pattern_optimizer",
				Confidence:   0.8,
			},
		},
		Metrics: &RefactorMetrics{
			LinesChanged:       2,
			ComplexityDelta:    -0.5,
			PerformanceGains:   0.2,
			AgentContributions: map[string]int{"pattern_optimizer": 1},
		},
		StartedAt:    completed.Add(-time.Hour),
		CompletedAt:  &completed,
		ErrorMessage: &errMsg,
	}
}

func TestSessionJSONRoundTrip(t *testing.T) {
	original := sampleSession(t)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Session
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original, decoded)
}

func TestSessionRoundTripNilOptionals(t *testing.T) {
	s := Session{
		RefactorID:   uuid.New(),
		TargetPath:   "a.py",
		Status:       StatusStarted,
		AgentSet:     []string{"loop_simplifier"},
		OriginalCode: "pass\n",
		StartedAt:    time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Session
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Nil(t, decoded.RefactoredCode)
	assert.Nil(t, decoded.Metrics)
	assert.Nil(t, decoded.CompletedAt)
	assert.Nil(t, decoded.ErrorMessage)
	assert.Equal(t, s, decoded)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusStarted.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestChangeVoteKey(t *testing.T) {
	c := Change{AgentID: "security_enforcer", LineStart: 12, Category: CategorySecurity}
	assert.Equal(t, "security_enforcer_12_security", c.VoteKey())
}

func TestErrorCodes(t *testing.T) {
	err := NewAgentNotFound("ghost")
	assert.Equal(t, "AGENT_NOT_FOUND: agent not found: ghost", err.Error())
	assert.True(t, IsCode(err, CodeAgentNotFound))
	assert.False(t, IsCode(err, CodeSessionNotFound))

	wrapped := fmt.Errorf("starting session: %w", err)
	assert.True(t, IsCode(wrapped, CodeAgentNotFound))
	assert.True(t, errors.Is(wrapped, NewAgentNotFound("other")))
}
