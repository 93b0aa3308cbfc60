package swarm

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snre/internal/config"
	"snre/internal/types"
)

type stubRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*types.Session
	saves    int
}

func newStubRepo() *stubRepo { return &stubRepo{sessions: make(map[uuid.UUID]*types.Session)} }

func (r *stubRepo) Save(s *types.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *s
	r.sessions[s.RefactorID] = &copied
	r.saves++
	return nil
}

func (r *stubRepo) Load(id uuid.UUID) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, types.NewSessionNotFound(id.String())
	}
	copied := *s
	return &copied, nil
}

func (r *stubRepo) ListActive() ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *stubRepo) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *stubRepo) stored(id uuid.UUID) *types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

type stubTracker struct{}

func (stubTracker) CreateDiff(a, b string) string { return "diff" }
func (stubTracker) CalculateMetrics(a, b string) types.RefactorMetrics {
	return types.RefactorMetrics{LinesChanged: 1}
}

// oneShotAgent proposes the same replacement every round. Once applied the
// line no longer matches, so the second round's proposal is filtered out.
type oneShotAgent struct {
	fixedVoter
	change types.Change
}

func (a *oneShotAgent) Propose(string) []types.Change { return []types.Change{a.change} }
func (a *oneShotAgent) Vote(changes []types.Change) map[string]float64 {
	votes := make(map[string]float64, len(changes))
	for _, c := range changes {
		votes[c.VoteKey()] = c.Confidence
	}
	return votes
}

// countingAgent proposes the same change every round and counts how many
// rounds asked for proposals.
type countingAgent struct {
	fixedVoter
	proposals atomic.Int32
	change    types.Change
}

func (a *countingAgent) Propose(string) []types.Change {
	a.proposals.Add(1)
	return []types.Change{a.change}
}

// gatedAgent blocks inside Propose until released, to let tests interleave
// cancellation with an in-flight round.
type gatedAgent struct {
	fixedVoter
	gate   chan struct{}
	change types.Change
}

func (a *gatedAgent) Propose(string) []types.Change {
	<-a.gate
	return []types.Change{a.change}
}

func newTestCoordinator(t *testing.T, agentList ...Agent) (*Coordinator, *stubRepo) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	registry := NewRegistry()
	for _, a := range agentList {
		require.NoError(t, registry.Register(a))
	}

	repo := newStubRepo()
	return NewCoordinator(cfg, registry, repo, stubTracker{}, nil, nil), repo
}

func writeTarget(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.py")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestStartRejectsEmptyAgentSet(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	_, err := coord.Start(writeTarget(t, "x = 1\n"), nil, nil)
	assert.Error(t, err)
}

func TestStartRejectsUnknownAgent(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fixedVoter{id: "known"})
	_, err := coord.Start(writeTarget(t, "x = 1\n"), []string{"known", "unknown"}, nil)
	assert.True(t, types.IsCode(err, types.CodeAgentNotFound))
}

func TestStartRejectsMissingFile(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fixedVoter{id: "a"})
	_, err := coord.Start("/no/such/file.py", []string{"a"}, nil)
	assert.True(t, types.IsCode(err, types.CodeInvalidPath))
}

func TestStartRejectsInvalidOverrides(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fixedVoter{id: "a"})
	bad := 1.5
	_, err := coord.Start(writeTarget(t, "x = 1\n"), []string{"a"},
		&config.Overrides{ConsensusThreshold: &bad})
	assert.Error(t, err)
}

func TestImmediateConvergenceCompletesUnchanged(t *testing.T) {
	coord, repo := newTestCoordinator(t, &fixedVoter{id: "quiet"})
	target := writeTarget(t, "x = 1\ny = 2\n")

	id, err := coord.Start(target, []string{"quiet"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	session, err := coord.Result(id)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, session.Status)
	assert.Equal(t, 100, session.Progress)
	require.NotNil(t, session.RefactoredCode)
	assert.Equal(t, session.OriginalCode, *session.RefactoredCode)
	assert.Empty(t, session.EvolutionHistory)
	require.NotNil(t, session.CompletedAt)
	require.NotNil(t, session.Metrics)

	// Terminal state is durably persisted.
	stored := repo.stored(id)
	require.NotNil(t, stored)
	assert.Equal(t, types.StatusCompleted, stored.Status)
}

func TestAppliesConsensusChange(t *testing.T) {
	agent := &oneShotAgent{
		fixedVoter: fixedVoter{id: "fixer"},
		change: types.Change{
			AgentID:      "fixer",
			Category:     types.CategorySecurity,
			OriginalCode: `password = "hunter2"`,
			ModifiedCode: `password = os.environ.get("PASSWORD")`,
			LineStart:    0,
			LineEnd:      0,
			Confidence:   0.9,
			Description:  "Move hardcoded password to environment variable",
		},
	}
	coord, _ := newTestCoordinator(t, agent)
	target := writeTarget(t, "password = \"hunter2\"\nprint(password)\n")

	id, err := coord.Start(target, []string{"fixer"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	session, err := coord.Result(id)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, session.Status)
	require.NotNil(t, session.RefactoredCode)
	assert.Contains(t, *session.RefactoredCode, `os.environ.get("PASSWORD")`)
	assert.NotContains(t, *session.RefactoredCode, "hunter2")

	require.Len(t, session.EvolutionHistory, 1)
	step := session.EvolutionHistory[0]
	assert.Equal(t, "fixer", step.Agent)
	assert.Equal(t, types.CategorySecurity, step.Category)
	assert.Contains(t, step.CodeDiff, "-password = \"hunter2\"")

	assert.NotEmpty(t, session.ConsensusLog)
	require.NotNil(t, session.Metrics)
	assert.Equal(t, map[string]int{"fixer": 1}, session.Metrics.AgentContributions)

	// The target file itself is untouched until apply.
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hunter2")
}

func TestStaleChangeIsSkipped(t *testing.T) {
	agent := &oneShotAgent{
		fixedVoter: fixedVoter{id: "stale"},
		change: types.Change{
			AgentID:      "stale",
			Category:     types.CategoryOptimization,
			OriginalCode: "something that is not on line 1",
			ModifiedCode: "replacement",
			LineStart:    1,
			LineEnd:      1,
			Confidence:   0.9,
			Description:  "stale edit",
		},
	}
	coord, _ := newTestCoordinator(t, agent)
	target := writeTarget(t, "x = 1\ny = 2\n")

	id, err := coord.Start(target, []string{"stale"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	session, err := coord.Result(id)
	require.NoError(t, err)

	// Mismatched original fragment: skipped every round, loop stalls out.
	assert.Equal(t, types.StatusCompleted, session.Status)
	assert.Empty(t, session.EvolutionHistory)
	require.NotNil(t, session.RefactoredCode)
	assert.Equal(t, session.OriginalCode, *session.RefactoredCode)
}

// Three consecutive rounds with only non-meaningful proposals must end the
// loop, well before the iteration budget.
func TestStallLimitTerminatesEarly(t *testing.T) {
	agent := &countingAgent{
		fixedVoter: fixedVoter{id: "echo"},
		change: types.Change{
			AgentID:      "echo",
			Category:     types.CategoryOptimization,
			OriginalCode: "x = 1",
			ModifiedCode: "x = 1", // identical to the target line: never meaningful
			LineStart:    0,
			LineEnd:      0,
			Confidence:   0.9,
			Description:  "no-op echo",
		},
	}
	coord, _ := newTestCoordinator(t, agent)

	id, err := coord.Start(writeTarget(t, "x = 1\ny = 2\n"), []string{"echo"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	session, err := coord.Result(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, session.Status)
	assert.Empty(t, session.EvolutionHistory)

	// Exactly three rounds ran, not MaxIterations (10 by default).
	assert.Equal(t, int32(3), agent.proposals.Load())
}

// A whitespace-only replacement differs from the target line and must be
// treated as meaningful and applied.
func TestWhitespaceOnlyEditIsMeaningful(t *testing.T) {
	agent := &oneShotAgent{
		fixedVoter: fixedVoter{id: "spacer"},
		change: types.Change{
			AgentID:      "spacer",
			Category:     types.CategoryReadability,
			OriginalCode: "x = 1",
			ModifiedCode: "x = 1    ",
			LineStart:    0,
			LineEnd:      0,
			Confidence:   0.9,
			Description:  "trailing whitespace tweak",
		},
	}
	coord, _ := newTestCoordinator(t, agent)

	id, err := coord.Start(writeTarget(t, "x = 1\n"), []string{"spacer"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	session, err := coord.Result(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, session.Status)
	require.Len(t, session.EvolutionHistory, 1)
	require.NotNil(t, session.RefactoredCode)
	assert.Contains(t, *session.RefactoredCode, "x = 1    ")
}

func TestStatusReflectsSessionActivity(t *testing.T) {
	agent := &oneShotAgent{
		fixedVoter: fixedVoter{id: "fixer"},
		change: types.Change{
			AgentID: "fixer", Category: types.CategoryOptimization,
			OriginalCode: "x = 1", ModifiedCode: "x = 2",
			LineStart: 0, Confidence: 0.9, Description: "bump",
		},
	}
	coord, _ := newTestCoordinator(t, agent)

	id, err := coord.Start(writeTarget(t, "x = 1\n"), []string{"fixer"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	status, err := coord.Status(id)
	require.NoError(t, err)

	require.Contains(t, status.AgentVotes, "fixer")
	assert.Equal(t, 1, status.AgentVotes["fixer"].Suggestions)

	session, err := coord.Result(id)
	require.NoError(t, err)
	require.NotNil(t, session.CompletedAt)
	assert.True(t, status.LastUpdate.Equal(*session.CompletedAt))
	assert.True(t, status.LastUpdate.After(session.StartedAt) ||
		status.LastUpdate.Equal(session.StartedAt))
}

func TestBelowThresholdChangeNotApplied(t *testing.T) {
	agent := &oneShotAgent{
		fixedVoter: fixedVoter{id: "timid"},
		change: types.Change{
			AgentID:      "timid",
			Category:     types.CategoryReadability,
			OriginalCode: "x = 1",
			ModifiedCode: "x = 1  # documented",
			LineStart:    0,
			LineEnd:      0,
			Confidence:   0.3,
			Description:  "low confidence tweak",
		},
	}
	coord, _ := newTestCoordinator(t, agent)

	id, err := coord.Start(writeTarget(t, "x = 1\n"), []string{"timid"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	session, err := coord.Result(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, session.Status)
	assert.Empty(t, session.EvolutionHistory)
}

func TestCancelPreservedThroughLoop(t *testing.T) {
	gate := make(chan struct{})
	agent := &gatedAgent{
		fixedVoter: fixedVoter{id: "slow"},
		gate:       gate,
		change: types.Change{
			AgentID: "slow", Category: types.CategoryOptimization,
			OriginalCode: "x = 1", ModifiedCode: "x = 2",
			LineStart: 0, Confidence: 0.9, Description: "edit",
		},
	}
	coord, repo := newTestCoordinator(t, agent)

	id, err := coord.Start(writeTarget(t, "x = 1\n"), []string{"slow"}, nil)
	require.NoError(t, err)

	require.True(t, coord.Cancel(id))
	close(gate)
	coord.Wait(id)

	session, err := coord.Result(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, session.Status)
	require.NotNil(t, session.CompletedAt)

	stored := repo.stored(id)
	require.NotNil(t, stored)
	assert.Equal(t, types.StatusCancelled, stored.Status)

	// A terminal session cannot be cancelled again.
	assert.False(t, coord.Cancel(id))
}

func TestResultUnknownSession(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	_, err := coord.Result(uuid.New())
	assert.True(t, types.IsCode(err, types.CodeSessionNotFound))
}

func TestEnsureLoadedFallsBackToRepository(t *testing.T) {
	coord, repo := newTestCoordinator(t, &fixedVoter{id: "quiet"})
	target := writeTarget(t, "x = 1\n")

	id, err := coord.Start(target, []string{"quiet"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	// Fresh coordinator sharing only the repository, as after a restart.
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	fresh := NewCoordinator(cfg, NewRegistry(), repo, stubTracker{}, nil, nil)

	session, err := fresh.Result(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, session.Status)
	assert.Equal(t, target, session.TargetPath)
}

func TestListActiveExcludesTerminal(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fixedVoter{id: "quiet"})

	id, err := coord.Start(writeTarget(t, "x = 1\n"), []string{"quiet"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	assert.Empty(t, coord.ListActive())
}

func TestApplyToFileWritesBackup(t *testing.T) {
	agent := &oneShotAgent{
		fixedVoter: fixedVoter{id: "fixer"},
		change: types.Change{
			AgentID: "fixer", Category: types.CategoryOptimization,
			OriginalCode: "x = 1", ModifiedCode: "x = 2",
			LineStart: 0, Confidence: 0.9, Description: "bump",
		},
	}
	coord, _ := newTestCoordinator(t, agent)
	target := writeTarget(t, "x = 1\n")

	id, err := coord.Start(target, []string{"fixer"}, nil)
	require.NoError(t, err)
	coord.Wait(id)

	require.NoError(t, coord.ApplyToFile(id, true))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "x = 2")

	backup, err := os.ReadFile(target + ".backup")
	require.NoError(t, err)
	assert.Contains(t, string(backup), "x = 1")
}

func TestDiffRequiresRefactoredCode(t *testing.T) {
	coord, repo := newTestCoordinator(t)

	// Seed a session that never ran to completion.
	id := uuid.New()
	require.NoError(t, repo.Save(&types.Session{
		RefactorID:   id,
		TargetPath:   "x.py",
		Status:       types.StatusFailed,
		OriginalCode: "x = 1\n",
	}))

	_, err := coord.Diff(id)
	assert.Error(t, err)
}
