// snre is the Swarm Neural Refactoring Engine CLI. It drives iterative,
// consensus-gated refactoring sessions over a swarm of analysis agents,
// either directly from the command line or as an HTTP service.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"snre/internal/agents"
	"snre/internal/config"
	"snre/internal/githook"
	"snre/internal/logging"
	"snre/internal/recorder"
	"snre/internal/repository"
	"snre/internal/server"
	"snre/internal/swarm"
	"snre/internal/tracker"
)

var (
	// Global flags
	verbose    bool
	logFormat  string
	configPath string

	// start flags
	startPath      string
	startAgents    string
	startThreshold float64
	startIters     int
	startWait      bool

	// validate / apply flags
	validatePath string
	applyBackup  bool
)

var rootCmd = &cobra.Command{
	Use:   "snre",
	Short: "SNRE - Swarm Neural Refactoring Engine",
	Long: `SNRE orchestrates a swarm of analysis agents over a target source file.
Each iteration the agents propose line-anchored edits, vote on every
candidate, and the engine applies the strongest consensus change. The loop
runs until the swarm converges or the iteration budget is spent, leaving a
full audit trail: per-round consensus decisions, an append-only evolution
history, and periodic code snapshots.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(verbose, logFormat)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a refactoring session on a target file",
	Example: `  snre start --path ./service.py --agents security_enforcer,loop_simplifier
  snre start --path ./service.py --agents pattern_optimizer --threshold 0.8 --max-iterations 5`,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show progress of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var resultCmd = &cobra.Command{
	Use:   "result [session-id]",
	Short: "Print the full session record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runResult,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active refactoring sessions",
	RunE:  runList,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [session-id]",
	Short: "Cancel a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that a source file passes the syntax gate",
	RunE:  runValidate,
}

var diffCmd = &cobra.Command{
	Use:   "diff [session-id]",
	Short: "Show the unified diff of a completed session",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

var applyCmd = &cobra.Command{
	Use:   "apply [session-id]",
	Short: "Write a completed session's refactored code back to its target",
	Args:  cobra.ExactArgs(1),
	RunE:  runApply,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP refactoring service",
	RunE:  runServe,
}

var hooksCmd = &cobra.Command{
	Use:   "install-hooks [repo-path]",
	Short: "Install the SNRE pre-commit hook into a git repository",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstallHooks,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json|console)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "snre.yaml", "path to config file")

	startCmd.Flags().StringVar(&startPath, "path", "", "target source file (required)")
	startCmd.Flags().StringVar(&startAgents, "agents", "", "comma-separated agent ids (required)")
	startCmd.Flags().Float64Var(&startThreshold, "threshold", 0, "consensus threshold override")
	startCmd.Flags().IntVar(&startIters, "max-iterations", 0, "iteration budget override")
	startCmd.Flags().BoolVar(&startWait, "wait", true, "block until the session finishes")
	_ = startCmd.MarkFlagRequired("path")
	_ = startCmd.MarkFlagRequired("agents")

	validateCmd.Flags().StringVar(&validatePath, "path", "", "source file to validate (required)")
	_ = validateCmd.MarkFlagRequired("path")

	applyCmd.Flags().BoolVar(&applyBackup, "backup", true, "keep a .backup copy of the current file")

	rootCmd.AddCommand(startCmd, statusCmd, resultCmd, listCmd, cancelCmd,
		validateCmd, diffCmd, applyCmd, serveCmd, hooksCmd)
}

// buildEngine wires the full stack from config: storage, tracker, recorder,
// registry with agents, coordinator.
func buildEngine() (*config.Config, *swarm.Coordinator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	repo, err := repository.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing storage: %w", err)
	}

	rec, err := recorder.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	registry := swarm.NewRegistry()
	if profiles := "agent_profiles.yaml"; fileExists(profiles) {
		err = agents.RegisterFromProfiles(registry, profiles)
	} else {
		err = agents.RegisterBuiltins(registry)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("registering agents: %w", err)
	}

	coord := swarm.NewCoordinator(cfg, registry, repo, tracker.New(), rec, nil)
	return cfg, coord, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func parseSessionID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q", raw)
	}
	return id, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	_, coord, err := buildEngine()
	if err != nil {
		return err
	}

	var overrides config.Overrides
	if cmd.Flags().Changed("threshold") {
		overrides.ConsensusThreshold = &startThreshold
	}
	if cmd.Flags().Changed("max-iterations") {
		overrides.MaxIterations = &startIters
	}

	agentSet := strings.Split(startAgents, ",")
	for i := range agentSet {
		agentSet[i] = strings.TrimSpace(agentSet[i])
	}

	id, err := coord.Start(startPath, agentSet, &overrides)
	if err != nil {
		return err
	}
	fmt.Printf("session started: %s\n", id)

	if !startWait {
		return nil
	}

	coord.Wait(id)
	session, err := coord.Result(id)
	if err != nil {
		return err
	}
	fmt.Printf("session %s finished: %s (%d changes applied)\n",
		id, session.Status, len(session.EvolutionHistory))
	if session.ErrorMessage != nil {
		return fmt.Errorf("%s", *session.ErrorMessage)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, coord, err := buildEngine()
	if err != nil {
		return err
	}
	id, err := parseSessionID(args[0])
	if err != nil {
		return err
	}

	status, err := coord.Status(id)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func runResult(cmd *cobra.Command, args []string) error {
	_, coord, err := buildEngine()
	if err != nil {
		return err
	}
	id, err := parseSessionID(args[0])
	if err != nil {
		return err
	}

	session, err := coord.Result(id)
	if err != nil {
		return err
	}
	return printJSON(session)
}

func runList(cmd *cobra.Command, args []string) error {
	_, coord, err := buildEngine()
	if err != nil {
		return err
	}

	sessions := coord.ListActive()
	if len(sessions) == 0 {
		fmt.Println("no active sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-12s  %s  (started %s)\n",
			s.RefactorID, s.Status, s.TargetPath, s.StartedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	_, coord, err := buildEngine()
	if err != nil {
		return err
	}
	id, err := parseSessionID(args[0])
	if err != nil {
		return err
	}

	if !coord.Cancel(id) {
		return fmt.Errorf("session %s not found or already finished", id)
	}
	fmt.Printf("session %s cancelled\n", id)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(validatePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", validatePath, err)
	}

	if !tracker.New().ValidateSyntax(string(data), validatePath) {
		return fmt.Errorf("%s failed syntax validation", validatePath)
	}
	fmt.Printf("%s: syntax ok\n", validatePath)
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	_, coord, err := buildEngine()
	if err != nil {
		return err
	}
	id, err := parseSessionID(args[0])
	if err != nil {
		return err
	}

	diff, err := coord.Diff(id)
	if err != nil {
		return err
	}
	fmt.Print(diff)
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, coord, err := buildEngine()
	if err != nil {
		return err
	}
	id, err := parseSessionID(args[0])
	if err != nil {
		return err
	}

	if err := coord.ApplyToFile(id, applyBackup && cfg.BackupOriginal); err != nil {
		return err
	}

	session, err := coord.Result(id)
	if err == nil {
		hook := githook.New(cfg.GitAutoCommit, cfg.CreateBranch)
		hook.CommitSession(session.TargetPath, id.String())
	}

	fmt.Printf("applied session %s\n", id)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, coord, err := buildEngine()
	if err != nil {
		return err
	}
	return server.New(cfg, coord).ListenAndServe()
}

func runInstallHooks(cmd *cobra.Command, args []string) error {
	repoPath := "."
	if len(args) == 1 {
		repoPath = args[0]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	return githook.New(cfg.GitAutoCommit, cfg.CreateBranch).SetupHooks(repoPath)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
