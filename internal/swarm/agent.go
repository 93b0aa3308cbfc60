// Package swarm contains the orchestration core: the agent capability
// contract, the registry, the consensus engine, and the coordinator that
// drives the iterative propose -> filter -> vote -> apply loop.
package swarm

import "snre/internal/types"

// Agent is the four-operation capability contract every refactoring agent
// satisfies. Implementations are pure with respect to their own identity and
// never see another agent's state.
//
// Analyze must not fail: malformed input yields a zero-confidence Analysis.
// Propose returns zero or more independent candidate edits anchored to line
// ranges of the code snapshot it was handed. Vote scores changes keyed by
// Change.VoteKey. ValidateResult is an advisory post-hoc check; the
// coordinator never enforces it.
type Agent interface {
	ID() string
	Analyze(code string) types.Analysis
	Propose(code string) []types.Change
	Vote(changes []types.Change) map[string]float64
	ValidateResult(original, modified string) bool

	// Priority orders agents for consensus overrides; ConfidenceThreshold is
	// the agent's own floor for proposals it considers worth making.
	Priority() int
	ConfidenceThreshold() float64
}
