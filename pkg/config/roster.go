package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentSpec describes one entry in the roster: the agents the Deliverer may
// address and the skills the Supervisor's prompt assembly draws from.
type AgentSpec struct {
	Name      string   `yaml:"name"`
	Autopilot bool     `yaml:"autopilot,omitempty"`
	Skills    []string `yaml:"skills,omitempty"`
}

// Roster is the full set of known agents, loaded once from RosterPath.
type Roster struct {
	Agents []AgentSpec `yaml:"agents"`
}

// Names returns the roster's agent names in file order.
func (r Roster) Names() []string {
	names := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		names = append(names, a.Name)
	}
	return names
}

// Lookup returns the AgentSpec for name, or false if name is not on the roster.
func (r Roster) Lookup(name string) (AgentSpec, bool) {
	for _, a := range r.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// LoadRoster reads a roster YAML file (the Deliverer's configured-roster
// check and the Supervisor's skill-set lookup both read this).
func LoadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster %s: %w", path, err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("parse roster %s: %w", path, err)
	}
	return r, nil
}
