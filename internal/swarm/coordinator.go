package swarm

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"snre/internal/config"
	"snre/internal/logging"
	"snre/internal/metrics"
	"snre/internal/types"
)

// consecutiveStallLimit terminates the loop after this many iterations with
// no meaningful changes or no code movement.
const consecutiveStallLimit = 3

// SessionRepository is the durable store contract the coordinator persists
// through. Implementations live in internal/repository.
type SessionRepository interface {
	Save(session *types.Session) error
	Load(id uuid.UUID) (*types.Session, error)
	ListActive() ([]uuid.UUID, error)
	Delete(id uuid.UUID) error
}

// ChangeTracker is the diff/metrics surface the coordinator needs at session
// completion. Implemented by internal/tracker.
type ChangeTracker interface {
	CreateDiff(original, modified string) string
	CalculateMetrics(original, modified string) types.RefactorMetrics
}

// Recorder receives step and snapshot events as the loop applies changes.
// Implemented by internal/recorder; a nil Recorder disables history output.
type Recorder interface {
	RecordStep(sessionID uuid.UUID, step types.EvolutionStep) error
	Snapshot(sessionID uuid.UUID, code string, iteration int) (string, error)
}

// StatusInfo is the progress snapshot returned by Status.
type StatusInfo struct {
	Status           types.Status `json:"status"`
	Progress         int          `json:"progress"`
	CurrentIteration int          `json:"current_iteration"`
	AgentVotes       map[string]AgentVoteSummary `json:"agent_votes"`
	LastUpdate       time.Time    `json:"last_update"`
}

// AgentVoteSummary is the per-agent line in a status snapshot.
type AgentVoteSummary struct {
	Confidence  float64 `json:"confidence"`
	Priority    int     `json:"priority"`
	Suggestions int     `json:"suggestions"`
}

// SessionSummary is one row of ListActive output.
type SessionSummary struct {
	RefactorID string       `json:"refactor_id"`
	TargetPath string       `json:"target_path"`
	Status     types.Status `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
}

// Coordinator owns the iterative refactoring loop. All collaborators are
// injected; the coordinator is the single writer of a session while active.
type Coordinator struct {
	cfg      *config.Config
	registry *Registry
	repo     SessionRepository
	tracker  ChangeTracker
	recorder Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*types.Session
	done     map[uuid.UUID]chan struct{}
}

// NewCoordinator wires a coordinator. recorder may be nil; m may be nil, in
// which case a private metrics set is used.
func NewCoordinator(cfg *config.Config, registry *Registry, repo SessionRepository, tracker ChangeTracker, recorder Recorder, m *metrics.Metrics) *Coordinator {
	if m == nil {
		m = metrics.New()
	}
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		repo:     repo,
		tracker:  tracker,
		recorder: recorder,
		metrics:  m,
		log:      logging.Named("swarm"),
		sessions: make(map[uuid.UUID]*types.Session),
		done:     make(map[uuid.UUID]chan struct{}),
	}
}

// Registry exposes the agent registry for explicit registration at startup.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Metrics exposes the counter set for the service surface.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }

// Start validates the request, persists the initial session, and launches
// the refactoring loop in its own goroutine. The returned id is immediately
// queryable via Status.
func (c *Coordinator) Start(targetPath string, agentSet []string, overrides *config.Overrides) (uuid.UUID, error) {
	if len(agentSet) == 0 {
		return uuid.Nil, fmt.Errorf("at least one agent required")
	}
	for _, agentID := range agentSet {
		if !c.registry.Has(agentID) {
			return uuid.Nil, types.NewAgentNotFound(agentID)
		}
	}

	cfg, err := overrides.Apply(c.cfg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid config overrides: %w", err)
	}

	original, err := os.ReadFile(targetPath)
	if err != nil {
		if os.IsPermission(err) {
			return uuid.Nil, types.NewPermissionDenied(targetPath)
		}
		return uuid.Nil, types.NewInvalidPath(targetPath)
	}

	session := &types.Session{
		RefactorID:       uuid.New(),
		TargetPath:       targetPath,
		Status:           types.StatusStarted,
		Progress:         0,
		AgentSet:         append([]string(nil), agentSet...),
		OriginalCode:     string(original),
		EvolutionHistory: []types.EvolutionStep{},
		ConsensusLog:     []types.ConsensusDecision{},
		StartedAt:        time.Now().UTC(),
	}

	c.mu.Lock()
	c.sessions[session.RefactorID] = session
	c.done[session.RefactorID] = make(chan struct{})
	c.mu.Unlock()

	c.persist(session)
	c.metrics.SessionsStarted.Add(1)
	c.metrics.ActiveSessions.Add(1)

	go c.run(session.RefactorID, cfg)

	return session.RefactorID, nil
}

// Wait blocks until the session's loop has exited. Sessions loaded from the
// repository (no in-process loop) return immediately.
func (c *Coordinator) Wait(id uuid.UUID) {
	c.mu.Lock()
	ch, ok := c.done[id]
	c.mu.Unlock()
	if ok {
		<-ch
	}
}

// Status returns a progress snapshot for the session.
func (c *Coordinator) Status(id uuid.UUID) (StatusInfo, error) {
	session, err := c.ensureLoaded(id)
	if err != nil {
		return StatusInfo{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	applied := make(map[string]int, len(session.AgentSet))
	for _, step := range session.EvolutionHistory {
		applied[step.Agent]++
	}

	votes := make(map[string]AgentVoteSummary, len(session.AgentSet))
	for _, agentID := range session.AgentSet {
		if agent, err := c.registry.Get(agentID); err == nil {
			votes[agentID] = AgentVoteSummary{
				Confidence:  agent.ConfidenceThreshold(),
				Priority:    agent.Priority(),
				Suggestions: applied[agentID],
			}
		}
	}

	lastUpdate := session.StartedAt
	if n := len(session.EvolutionHistory); n > 0 {
		if ts := session.EvolutionHistory[n-1].Timestamp; ts.After(lastUpdate) {
			lastUpdate = ts
		}
	}
	if session.CompletedAt != nil && session.CompletedAt.After(lastUpdate) {
		lastUpdate = *session.CompletedAt
	}

	return StatusInfo{
		Status:           session.Status,
		Progress:         session.Progress,
		CurrentIteration: len(session.EvolutionHistory),
		AgentVotes:       votes,
		LastUpdate:       lastUpdate,
	}, nil
}

// Result returns the complete session.
func (c *Coordinator) Result(id uuid.UUID) (*types.Session, error) {
	session, err := c.ensureLoaded(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *session
	return &copied, nil
}

// Cancel flips a non-terminal session to CANCELLED and persists immediately.
// Cancellation is advisory: work already dispatched for the current
// iteration may still complete before the loop observes the new status.
func (c *Coordinator) Cancel(id uuid.UUID) bool {
	session, err := c.ensureLoaded(id)
	if err != nil {
		return false
	}

	c.mu.Lock()
	if session.Status.Terminal() {
		c.mu.Unlock()
		return false
	}
	session.Status = types.StatusCancelled
	now := time.Now().UTC()
	session.CompletedAt = &now
	c.mu.Unlock()

	c.persist(session)
	c.metrics.SessionsCancelled.Add(1)
	return true
}

// ListActive returns summaries of all non-terminal sessions, including
// persisted ones from earlier process lifetimes.
func (c *Coordinator) ListActive() []SessionSummary {
	if ids, err := c.repo.ListActive(); err == nil {
		for _, id := range ids {
			_, _ = c.ensureLoaded(id)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []SessionSummary
	for _, session := range c.sessions {
		if session.Active() {
			out = append(out, SessionSummary{
				RefactorID: session.RefactorID.String(),
				TargetPath: session.TargetPath,
				Status:     session.Status,
				StartedAt:  session.StartedAt,
			})
		}
	}
	return out
}

// Diff returns the unified diff between a completed session's original and
// refactored code.
func (c *Coordinator) Diff(id uuid.UUID) (string, error) {
	session, err := c.ensureLoaded(id)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if session.RefactoredCode == nil {
		return "", fmt.Errorf("session %s has no refactored code yet", id)
	}
	return c.tracker.CreateDiff(session.OriginalCode, *session.RefactoredCode), nil
}

// ApplyToFile writes a completed session's refactored code back to its
// target path, optionally keeping a .backup copy of the current contents.
func (c *Coordinator) ApplyToFile(id uuid.UUID, backup bool) error {
	session, err := c.ensureLoaded(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	status := session.Status
	target := session.TargetPath
	var refactored string
	if session.RefactoredCode != nil {
		refactored = *session.RefactoredCode
	}
	c.mu.Unlock()

	if status != types.StatusCompleted {
		return fmt.Errorf("cannot apply session %s: status is %s", id, status)
	}
	if refactored == "" {
		return fmt.Errorf("session %s has no refactored code to apply", id)
	}

	if backup {
		if current, err := os.ReadFile(target); err == nil {
			if err := os.WriteFile(target+".backup", current, 0644); err != nil {
				c.log.Warn("could not create backup", zap.String("path", target), zap.Error(err))
			}
		}
	}

	if err := os.WriteFile(target, []byte(refactored), 0644); err != nil {
		if os.IsPermission(err) {
			return types.NewPermissionDenied(target)
		}
		return fmt.Errorf("writing refactored code: %w", err)
	}
	return nil
}

// ensureLoaded fetches the session from memory or falls back to the
// repository. Repository misses surface as SessionNotFound.
func (c *Coordinator) ensureLoaded(id uuid.UUID) (*types.Session, error) {
	c.mu.Lock()
	if session, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return session, nil
	}
	c.mu.Unlock()

	session, err := c.repo.Load(id)
	if err != nil {
		return nil, types.NewSessionNotFound(id.String())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sessions[id]; ok {
		return existing, nil
	}
	c.sessions[id] = session
	return session, nil
}

// persist saves best-effort: repository failures are logged and swallowed so
// durability problems never abort a round.
func (c *Coordinator) persist(session *types.Session) {
	c.mu.Lock()
	copied := *session
	c.mu.Unlock()
	if err := c.repo.Save(&copied); err != nil {
		c.log.Warn("failed to save session",
			zap.String("session_id", session.RefactorID.String()), zap.Error(err))
	}
}

// status reads the session status under the lock.
func (c *Coordinator) status(session *types.Session) types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return session.Status
}

// run drives one session's refactoring loop to a terminal state. It is the
// only writer of current code state; agent calls are the only parallelism.
func (c *Coordinator) run(id uuid.UUID, cfg *config.Config) {
	c.mu.Lock()
	session := c.sessions[id]
	doneCh := c.done[id]
	// A cancel can land between Start returning and this goroutine running;
	// only a fresh session moves to IN_PROGRESS.
	if session.Status == types.StatusStarted {
		session.Status = types.StatusInProgress
	}
	c.mu.Unlock()

	defer close(doneCh)
	defer c.metrics.ActiveSessions.Add(-1)

	c.persist(session)

	log := c.log.With(zap.String("session_id", id.String()))

	agents, err := c.registry.Select(session.AgentSet)
	if err != nil {
		c.finalizeFailure(session, err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.finalizeFailure(session, fmt.Errorf("refactoring panicked: %v", r))
		}
	}()

	currentCode := session.OriginalCode
	lastCode := currentCode
	stalls := 0

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		// Advisory cancellation check, once per iteration boundary. A cancel
		// during the round below is only seen here, one round late at worst.
		if c.status(session) == types.StatusCancelled {
			log.Info("session cancelled, stopping loop", zap.Int("iteration", iteration))
			c.persist(session)
			return
		}

		c.mu.Lock()
		session.Progress = iteration * 100 / cfg.MaxIterations
		c.mu.Unlock()
		if iteration%2 == 0 {
			c.persist(session)
		}

		allChanges := c.collectProposals(agents, currentCode, cfg.MaxConcurrentAgents)
		if len(allChanges) == 0 {
			log.Info("convergence: no more changes proposed", zap.Int("iteration", iteration))
			break
		}

		meaningful := filterMeaningful(allChanges, currentCode)
		if len(meaningful) == 0 {
			stalls++
			log.Debug("no meaningful changes",
				zap.Int("iteration", iteration), zap.Int("consecutive_stalls", stalls))
			if stalls >= consecutiveStallLimit {
				log.Info("convergence: no meaningful changes for 3 consecutive iterations")
				break
			}
			continue
		}
		stalls = 0

		votes := CollectVotes(agents, meaningful, cfg.MaxConcurrentAgents)
		decision := Calculate(votes, cfg.ConsensusThreshold)
		decision = ApplyOverrides(decision, cfg.PriorityAgents)
		c.metrics.ConsensusRounds.Add(1)

		c.mu.Lock()
		session.ConsensusLog = append(session.ConsensusLog, decision)
		c.mu.Unlock()

		best := highestConfidence(meaningful)
		if best.Confidence >= cfg.ConsensusThreshold {
			newCode, applied := applyChange(currentCode, best, log)
			if applied && newCode != currentCode {
				currentCode = newCode
				step := newEvolutionStep(iteration, best)
				c.mu.Lock()
				session.EvolutionHistory = append(session.EvolutionHistory, step)
				c.mu.Unlock()
				c.metrics.RecordStep(best.AgentID)
				if c.recorder != nil {
					if err := c.recorder.RecordStep(id, step); err != nil {
						log.Warn("failed to record evolution step", zap.Error(err))
					}
				}
				log.Info("applied change",
					zap.Int("iteration", iteration),
					zap.String("agent", best.AgentID),
					zap.Float64("confidence", best.Confidence),
					zap.String("description", best.Description))
			}
		} else {
			log.Debug("best change below threshold",
				zap.Float64("confidence", best.Confidence),
				zap.Float64("threshold", cfg.ConsensusThreshold))
		}

		if c.recorder != nil {
			if _, err := c.recorder.Snapshot(id, currentCode, iteration); err != nil {
				log.Warn("failed to write snapshot", zap.Error(err))
			}
		}

		if currentCode == lastCode {
			stalls++
			if stalls >= consecutiveStallLimit {
				log.Info("convergence: code unchanged for 3 consecutive iterations")
				break
			}
		} else {
			lastCode = currentCode
			stalls = 0
		}
	}

	c.mu.Lock()
	if session.Status == types.StatusCancelled {
		c.mu.Unlock()
		c.persist(session)
		return
	}
	refactored := currentCode
	session.RefactoredCode = &refactored
	session.Progress = 100
	session.Status = types.StatusCompleted
	now := time.Now().UTC()
	session.CompletedAt = &now
	m := c.tracker.CalculateMetrics(session.OriginalCode, refactored)
	m.AgentContributions = contributions(session.EvolutionHistory)
	session.Metrics = &m
	steps := len(session.EvolutionHistory)
	c.mu.Unlock()

	c.metrics.SessionsCompleted.Add(1)
	log.Info("refactoring completed", zap.Int("changes", steps))
	c.persist(session)
}

// finalizeFailure marks the session FAILED and always persists.
func (c *Coordinator) finalizeFailure(session *types.Session, cause error) {
	c.mu.Lock()
	session.Status = types.StatusFailed
	msg := cause.Error()
	session.ErrorMessage = &msg
	now := time.Now().UTC()
	session.CompletedAt = &now
	c.mu.Unlock()

	c.metrics.SessionsFailed.Add(1)
	c.log.Error("refactoring failed",
		zap.String("session_id", session.RefactorID.String()), zap.Error(cause))
	c.persist(session)
}

// collectProposals queries every agent's Propose in parallel, bounded by
// limit. A panicking agent contributes nothing but does not abort the round.
// Results are flattened in agent-set order so rounds are deterministic.
func (c *Coordinator) collectProposals(agents []Agent, code string, limit int) []types.Change {
	if limit < 1 {
		limit = 1
	}

	batches := make([][]types.Change, len(agents))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			batches[i] = safePropose(agent, code)
			return nil
		})
	}
	_ = g.Wait()

	var all []types.Change
	for _, batch := range batches {
		all = append(all, batch...)
	}
	return all
}

// safePropose shields the round from a panicking agent.
func safePropose(agent Agent, code string) (changes []types.Change) {
	defer func() {
		if r := recover(); r != nil {
			changes = nil
		}
	}()
	return agent.Propose(code)
}

// filterMeaningful drops changes whose target line already equals the
// replacement text exactly, and changes anchored past the end of the
// snapshot. The comparison is untrimmed, so a whitespace-only edit still
// counts as meaningful.
func filterMeaningful(changes []types.Change, code string) []types.Change {
	lines := strings.Split(code, "\n")
	var out []types.Change
	for _, change := range changes {
		if change.LineStart < 0 || change.LineStart >= len(lines) {
			continue
		}
		if lines[change.LineStart] == change.ModifiedCode {
			continue
		}
		out = append(out, change)
	}
	return out
}

// highestConfidence picks the best candidate; ties keep the earliest, which
// preserves agent-set order.
func highestConfidence(changes []types.Change) types.Change {
	best := changes[0]
	for _, change := range changes[1:] {
		if change.Confidence > best.Confidence {
			best = change
		}
	}
	return best
}

// applyChange replaces the change's target line only if the line's trimmed
// content still equals the recorded original fragment. A mismatch means the
// change went stale under an earlier edit: skip it and log, never fail.
func applyChange(code string, change types.Change, log *zap.Logger) (string, bool) {
	lines := strings.Split(code, "\n")
	if change.LineStart < 0 || change.LineStart >= len(lines) {
		log.Warn("change target line out of range",
			zap.Int("line", change.LineStart), zap.Int("total_lines", len(lines)))
		return code, false
	}

	if strings.TrimSpace(lines[change.LineStart]) != strings.TrimSpace(change.OriginalCode) {
		log.Warn("change target line no longer matches recorded original, skipping",
			zap.Int("line", change.LineStart),
			zap.String("expected", strings.TrimSpace(change.OriginalCode)),
			zap.String("actual", strings.TrimSpace(lines[change.LineStart])))
		return code, false
	}

	lines[change.LineStart] = change.ModifiedCode
	return strings.Join(lines, "\n"), true
}

// newEvolutionStep builds the permanent record for an applied change.
func newEvolutionStep(iteration int, change types.Change) types.EvolutionStep {
	return types.EvolutionStep{
		Iteration:   iteration,
		Timestamp:   time.Now().UTC(),
		Agent:       change.AgentID,
		Category:    change.Category,
		Confidence:  change.Confidence,
		Description: change.Description,
		CodeDiff: fmt.Sprintf("@@ -%d,%d +%d,%d @@\n-%s\n+%s",
			change.LineStart, change.LineEnd, change.LineStart, change.LineEnd,
			change.OriginalCode, change.ModifiedCode),
	}
}

// contributions counts applied steps per agent.
func contributions(history []types.EvolutionStep) map[string]int {
	out := make(map[string]int, len(history))
	for _, step := range history {
		out[step.Agent]++
	}
	return out
}
