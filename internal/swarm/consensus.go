package swarm

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"snre/internal/logging"
	"snre/internal/types"
)

// neutralScore is assigned for every change when an agent's vote call fails,
// keeping the round intact under partial failure.
const neutralScore = 0.5

// Calculate is the consensus engine: a pure function from one round's votes
// to a decision. Each voting agent carries equal weight 1/N; per-key scores
// are the weighted sums across agents, and the round's confidence is the
// unweighted mean over all keys.
func Calculate(votes map[string]map[string]float64, threshold float64) types.ConsensusDecision {
	now := time.Now().UTC()

	if len(votes) == 0 {
		return types.ConsensusDecision{
			Timestamp:    now,
			Decision:     types.DecisionNoConsensus,
			Votes:        map[string]map[string]float64{},
			WinningAgent: "none",
			Confidence:   0.0,
		}
	}

	weight := 1.0 / float64(len(votes))

	keyScores := make(map[string]float64)
	for _, agentVotes := range votes {
		for key, score := range agentVotes {
			keyScores[key] += score * weight
		}
	}

	if len(keyScores) == 0 {
		return types.ConsensusDecision{
			Timestamp:    now,
			Decision:     types.DecisionNoChanges,
			Votes:        votes,
			WinningAgent: "none",
			Confidence:   0.0,
		}
	}

	var sum float64
	for _, score := range keyScores {
		sum += score
	}
	avgScore := sum / float64(len(keyScores))

	if avgScore >= threshold {
		return types.ConsensusDecision{
			Timestamp:    now,
			Decision:     types.DecisionAccept,
			Votes:        votes,
			WinningAgent: topVoter(votes),
			Confidence:   avgScore,
		}
	}

	return types.ConsensusDecision{
		Timestamp:    now,
		Decision:     types.DecisionReject,
		Votes:        votes,
		WinningAgent: "none",
		Confidence:   1.0 - avgScore,
	}
}

// topVoter returns the agent whose own mean vote is highest. Ties break
// lexicographically so the decision is deterministic.
func topVoter(votes map[string]map[string]float64) string {
	best := ""
	bestAvg := -1.0
	for agentID, agentVotes := range votes {
		avg := meanVote(agentVotes)
		if avg > bestAvg || (avg == bestAvg && (best == "" || agentID < best)) {
			best = agentID
			bestAvg = avg
		}
	}
	return best
}

func meanVote(agentVotes map[string]float64) float64 {
	if len(agentVotes) == 0 {
		return 0.0
	}
	var sum float64
	for _, score := range agentVotes {
		sum += score
	}
	return sum / float64(len(agentVotes))
}

// ApplyOverrides lets designated priority agents upgrade or downgrade a
// decision when their own mean vote is extreme (> 0.9 forces accept, < 0.1
// forces reject). Overrides are recorded under distinct decision labels so
// the audit trail shows them.
func ApplyOverrides(decision types.ConsensusDecision, priorityAgents []string) types.ConsensusDecision {
	for _, agentID := range priorityAgents {
		agentVotes, ok := decision.Votes[agentID]
		if !ok {
			continue
		}
		avg := meanVote(agentVotes)
		if avg > 0.9 {
			decision.Decision = types.DecisionOverrideAccept
			decision.WinningAgent = agentID
			decision.Confidence = avg
		} else if avg < 0.1 {
			decision.Decision = types.DecisionOverrideReject
			decision.WinningAgent = agentID
			decision.Confidence = 1.0 - avg
		}
	}
	return decision
}

// ValidateDecision reports whether a decision meets its threshold
// requirements. Advisory, mirrors the agents' post-hoc validation.
func ValidateDecision(decision types.ConsensusDecision, threshold float64) bool {
	switch decision.Decision {
	case types.DecisionAccept, types.DecisionOverrideAccept:
		return decision.Confidence >= threshold
	case types.DecisionReject, types.DecisionOverrideReject:
		return decision.Confidence >= 0.5
	default:
		return true
	}
}

// CollectVotes invokes Vote on every agent in parallel, bounded by limit.
// An agent whose vote call panics is not dropped from the round: it gets a
// neutral score for every change instead.
func CollectVotes(agents []Agent, changes []types.Change, limit int) map[string]map[string]float64 {
	if limit < 1 {
		limit = 1
	}

	log := logging.Named("swarm")
	votes := make(map[string]map[string]float64, len(agents))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(limit)

	for _, agent := range agents {
		agent := agent
		g.Go(func() error {
			agentVotes, ok := safeVote(agent, changes)
			if !ok {
				log.Warn("agent vote failed, assigning neutral scores",
					zap.String("agent_id", agent.ID()), zap.Int("changes", len(changes)))
				agentVotes = make(map[string]float64, len(changes))
				for _, c := range changes {
					agentVotes[c.VoteKey()] = neutralScore
				}
			}
			if agentVotes == nil {
				agentVotes = map[string]float64{}
			}
			mu.Lock()
			votes[agent.ID()] = agentVotes
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return votes
}

// safeVote shields the round from a panicking agent.
func safeVote(agent Agent, changes []types.Change) (result map[string]float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			result, ok = nil, false
		}
	}()
	return agent.Vote(changes), true
}
