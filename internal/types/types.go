// Package types defines the SNRE data model: sessions, candidate changes,
// consensus decisions, evolution history, and refactor metrics. Everything in
// this package is plain data with lossless JSON round-trips; behavior lives in
// the swarm, tracker, repository, and recorder packages.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a refactoring session. Transitions are
// monotonic: STARTED -> IN_PROGRESS -> one of the terminal states.
type Status string

const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Category classifies a candidate change.
type Category string

const (
	CategoryOptimization Category = "optimization"
	CategorySecurity     Category = "security"
	CategoryReadability  Category = "readability"
	CategoryPerformance  Category = "performance"
	CategoryStructure    Category = "structure"
)

// Change is a single candidate edit anchored to a line range of the code
// snapshot it was proposed against. Immutable once created.
type Change struct {
	AgentID      string   `json:"agent_id"`
	Category     Category `json:"change_type"`
	OriginalCode string   `json:"original_code"`
	ModifiedCode string   `json:"modified_code"`
	LineStart    int      `json:"line_start"`
	LineEnd      int      `json:"line_end"`
	Confidence   float64  `json:"confidence"`
	Description  string   `json:"description"`
	ImpactScore  float64  `json:"impact_score"`
}

// VoteKey derives the aggregation key for this change. Every agent votes
// under the same key for the same change, which is what makes per-change
// aggregation possible in the consensus engine.
func (c Change) VoteKey() string {
	return fmt.Sprintf("%s_%d_%s", c.AgentID, c.LineStart, c.Category)
}

// Analysis is the result of an agent's read-only inspection pass.
type Analysis struct {
	AgentID                   string   `json:"agent_id"`
	IssuesFound               int      `json:"issues_found"`
	ComplexityScore           float64  `json:"complexity_score"`
	SecurityRisks             []string `json:"security_risks"`
	OptimizationOpportunities []string `json:"optimization_opportunities"`
	Confidence                float64  `json:"confidence"`
}

// Decision labels produced by the consensus engine.
const (
	DecisionNoConsensus    = "no_consensus"
	DecisionNoChanges      = "no_changes"
	DecisionAccept         = "accept_changes"
	DecisionReject         = "reject_changes"
	DecisionOverrideAccept = "priority_override_accept"
	DecisionOverrideReject = "priority_override_reject"
)

// ConsensusDecision records the outcome of one voting round. Append-only once
// logged to a session.
type ConsensusDecision struct {
	Timestamp    time.Time                     `json:"timestamp"`
	Decision     string                        `json:"decision"`
	Votes        map[string]map[string]float64 `json:"votes"`
	WinningAgent string                        `json:"winning_agent"`
	Confidence   float64                       `json:"confidence"`
}

// EvolutionStep is the permanent record of one applied change.
type EvolutionStep struct {
	Iteration   int       `json:"iteration"`
	Timestamp   time.Time `json:"timestamp"`
	Agent       string    `json:"agent"`
	Category    Category  `json:"change_type"`
	Confidence  float64   `json:"confidence"`
	Description string    `json:"description"`
	CodeDiff    string    `json:"code_diff"`
}

// RefactorMetrics summarizes a completed session.
type RefactorMetrics struct {
	LinesChanged         int            `json:"lines_changed"`
	ComplexityDelta      float64        `json:"complexity_delta"`
	SecurityImprovements int            `json:"security_improvements"`
	PerformanceGains     float64        `json:"performance_gains"`
	AgentContributions   map[string]int `json:"agent_contributions"`
}

// Session is the full state of one refactoring run. While active it is owned
// exclusively by the coordinator; persisted copies belong to the repository.
type Session struct {
	RefactorID       uuid.UUID           `json:"refactor_id"`
	TargetPath       string              `json:"target_path"`
	Status           Status              `json:"status"`
	Progress         int                 `json:"progress"`
	AgentSet         []string            `json:"agent_set"`
	OriginalCode     string              `json:"original_code"`
	RefactoredCode   *string             `json:"refactored_code"`
	EvolutionHistory []EvolutionStep     `json:"evolution_history"`
	ConsensusLog     []ConsensusDecision `json:"consensus_log"`
	Metrics          *RefactorMetrics    `json:"metrics"`
	StartedAt        time.Time           `json:"started_at"`
	CompletedAt      *time.Time          `json:"completed_at"`
	ErrorMessage     *string             `json:"error_message"`
}

// Active reports whether the session is still running (non-terminal).
func (s *Session) Active() bool {
	return !s.Status.Terminal()
}
