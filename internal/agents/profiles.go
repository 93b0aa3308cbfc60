package agents

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"snre/internal/logging"
	"snre/internal/swarm"
)

// Profile is one entry of agent_profiles.yaml. Priority and
// confidence_threshold override the builtin defaults when set.
type Profile struct {
	Name                string         `yaml:"name"`
	Priority            *int           `yaml:"priority"`
	Enabled             bool           `yaml:"enabled"`
	Patterns            []string       `yaml:"patterns"`
	ConfidenceThreshold *float64       `yaml:"confidence_threshold"`
	Config              map[string]any `yaml:"config"`
}

type profilesFile struct {
	Agents map[string]Profile `yaml:"agents"`
}

// configurable is satisfied by builtins whose priority and threshold a
// profile may override.
type configurable interface {
	setPriority(int)
	setThreshold(float64)
}

// builtinAgents maps agent id to constructor. Registration is explicit;
// there is no plugin discovery.
var builtinAgents = map[string]func(id string) swarm.Agent{
	"pattern_optimizer": func(id string) swarm.Agent { return NewPatternOptimizer(id) },
	"security_enforcer": func(id string) swarm.Agent { return NewSecurityEnforcer(id) },
	"loop_simplifier":   func(id string) swarm.Agent { return NewLoopSimplifier(id) },
}

// RegisterBuiltins registers every builtin agent with its defaults. Used when
// no profiles file is configured.
func RegisterBuiltins(registry *swarm.Registry) error {
	for _, id := range []string{"pattern_optimizer", "security_enforcer", "loop_simplifier"} {
		if err := registry.Register(builtinAgents[id](id)); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFromProfiles loads agent_profiles.yaml and registers every enabled
// agent, applying profile overrides. Profiles naming an unknown agent are
// skipped with a warning rather than failing startup.
func RegisterFromProfiles(registry *swarm.Registry, path string) error {
	log := logging.Named("agents")

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading agent profiles: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing agent profiles: %w", err)
	}

	for id, profile := range file.Agents {
		if !profile.Enabled {
			log.Debug("agent disabled by profile", zap.String("agent_id", id))
			continue
		}

		build, ok := builtinAgents[id]
		if !ok {
			log.Warn("no implementation for profiled agent", zap.String("agent_id", id))
			continue
		}

		agent := build(id)
		if c, ok := agent.(configurable); ok {
			if profile.Priority != nil {
				c.setPriority(*profile.Priority)
			}
			if profile.ConfidenceThreshold != nil {
				c.setThreshold(*profile.ConfidenceThreshold)
			}
		}

		if err := registry.Register(agent); err != nil {
			return err
		}
		log.Info("agent registered", zap.String("agent_id", id))
	}
	return nil
}
