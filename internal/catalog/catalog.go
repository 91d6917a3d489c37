package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownAgent = errors.New("unknown agent type")
	ErrUnknownModel = errors.New("unknown model")
)

// DefaultModel is the sentinel callers pass to request an agent's flagship
// model explicitly. An absent model id is treated the same way; any other
// unregistered id is an error, never a silent fallback.
const DefaultModel = "default"

// ResourceProfile describes the compute class a unit is launched with and the
// rate used for cost derivation.
type ResourceProfile struct {
	CPUClass      string  `yaml:"cpu_class"`
	MemoryMB      int     `yaml:"memory_mb"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// Model is one model registered under an agent type.
type Model struct {
	ID             string  `yaml:"id"`
	Flagship       bool    `yaml:"flagship,omitempty"`
	CostMultiplier float64 `yaml:"cost_multiplier"`
}

// Agent is a catalog entry for one agent type.
type Agent struct {
	Provider        string          `yaml:"provider"`
	Image           string          `yaml:"image"`
	RequiredSecrets []string        `yaml:"required_secrets"`
	Profile         ResourceProfile `yaml:"profile"`
	Models          []Model         `yaml:"models"`
}

// Placement is a resolved (agent type, model) pair with everything the
// dispatcher needs to launch a unit.
type Placement struct {
	AgentType       string
	Model           Model
	Provider        string
	Image           string
	RequiredSecrets []string
	Profile         ResourceProfile
}

// Catalog is the static mapping from (agent type, model) to placement. It is
// loaded once at startup and read-only afterward.
type Catalog struct {
	agents map[string]Agent
}

type catalogFile struct {
	Agents map[string]Agent `yaml:"agents"`
}

// Load reads and validates a catalog YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	return New(file.Agents)
}

// New builds a catalog from agent definitions, validating each entry.
func New(agents map[string]Agent) (*Catalog, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("catalog has no agents")
	}

	for name, agent := range agents {
		if agent.Image == "" {
			return nil, fmt.Errorf("agent %q has no image", name)
		}
		if len(agent.Models) == 0 {
			return nil, fmt.Errorf("agent %q has no models", name)
		}

		flagships := 0
		seen := make(map[string]bool, len(agent.Models))
		for _, m := range agent.Models {
			if m.ID == "" {
				return nil, fmt.Errorf("agent %q has a model with empty id", name)
			}
			if seen[m.ID] {
				return nil, fmt.Errorf("agent %q registers model %q twice", name, m.ID)
			}
			seen[m.ID] = true
			if m.Flagship {
				flagships++
			}
			if m.CostMultiplier < 0 {
				return nil, fmt.Errorf("agent %q model %q has negative cost multiplier", name, m.ID)
			}
		}
		if flagships != 1 {
			return nil, fmt.Errorf("agent %q must register exactly one flagship model, has %d", name, flagships)
		}
		if agent.Profile.RatePerSecond < 0 {
			return nil, fmt.Errorf("agent %q has negative rate_per_second", name)
		}
	}

	return &Catalog{agents: agents}, nil
}

// Resolve maps (agentType, modelID) to a Placement. An empty modelID or
// DefaultModel selects the agent's flagship model.
func (c *Catalog) Resolve(agentType, modelID string) (Placement, error) {
	agent, ok := c.agents[agentType]
	if !ok {
		return Placement{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentType)
	}

	var model Model
	if modelID == "" || modelID == DefaultModel {
		for _, m := range agent.Models {
			if m.Flagship {
				model = m
				break
			}
		}
	} else {
		found := false
		for _, m := range agent.Models {
			if m.ID == modelID {
				model = m
				found = true
				break
			}
		}
		if !found {
			return Placement{}, fmt.Errorf("%w: %q is not registered for agent %q", ErrUnknownModel, modelID, agentType)
		}
	}

	return Placement{
		AgentType:       agentType,
		Model:           model,
		Provider:        agent.Provider,
		Image:           agent.Image,
		RequiredSecrets: append([]string(nil), agent.RequiredSecrets...),
		Profile:         agent.Profile,
	}, nil
}

// Has reports whether agentType is a known catalog entry.
func (c *Catalog) Has(agentType string) bool {
	_, ok := c.agents[agentType]
	return ok
}

// AgentTypes returns all registered agent types, sorted.
func (c *Catalog) AgentTypes() []string {
	out := make([]string, 0, len(c.agents))
	for name := range c.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
