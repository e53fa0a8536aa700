package flow

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// flowDocument mirrors the declarative flow schema. YAML is a superset of
// JSON, so a single decoder accepts both serializations.
type flowDocument struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	Author      string `yaml:"author"`

	Pauseable      bool `yaml:"pauseable"`
	DefaultTimeout int  `yaml:"defaultTimeout"`
	AutoResume     bool `yaml:"autoResume"`

	States      []*StateDefinition     `yaml:"states"`
	Transitions []TransitionDefinition `yaml:"transitions"`
	Functions   []HandlerBinding       `yaml:"functions"`
	Metadata    map[string]any         `yaml:"metadata"`
}

// LoadFlow reads and validates a declarative flow document from a file.
//
// Returns a ConfigError when the document is structurally invalid:
//   - no state is marked initial (isInitial flag or type INITIAL)
//   - a transition references an unknown from or to state
//   - two states share an ID
//
// A TransitionTo timeout action pointing at an undefined state is a logged
// warning, not fatal; the timeout path logs again at runtime.
func LoadFlow(path string) (*FlowConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("failed to read flow document %s: %v", path, err)}
	}
	return ParseFlow(data)
}

// ParseFlow parses and validates a flow document from raw bytes.
func ParseFlow(data []byte) (*FlowConfig, error) {
	var doc flowDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("failed to parse flow document: %v", err)}
	}

	cfg := &FlowConfig{
		Name:           doc.Name,
		Description:    doc.Description,
		Version:        doc.Version,
		Author:         doc.Author,
		Pauseable:      doc.Pauseable,
		DefaultTimeout: doc.DefaultTimeout,
		AutoResume:     doc.AutoResume,
		States:         make(map[string]*StateDefinition, len(doc.States)),
		Transitions:    make(map[string][]TransitionDefinition),
		Bindings:       doc.Functions,
		Metadata:       doc.Metadata,
	}

	for _, def := range doc.States {
		if def.ID == "" {
			return nil, &ConfigError{Message: "state with empty id"}
		}
		if _, exists := cfg.States[def.ID]; exists {
			return nil, &ConfigError{Message: "duplicate state id: " + def.ID}
		}
		def.Type = StateType(strings.ToUpper(string(def.Type)))
		cfg.States[def.ID] = def

		// First initial state in document order wins.
		if cfg.initialID == "" && (def.IsInitial || def.Type == StateTypeInitial) {
			cfg.initialID = def.ID
		}
	}

	if cfg.initialID == "" {
		return nil, &ConfigError{Message: "flow has no initial state"}
	}

	for _, tr := range doc.Transitions {
		if _, ok := cfg.States[tr.From]; !ok {
			return nil, &ConfigError{Message: "transition from unknown state: " + tr.From}
		}
		if _, ok := cfg.States[tr.To]; !ok {
			return nil, &ConfigError{Message: "transition to unknown state: " + tr.To}
		}
		cfg.Transitions[tr.From] = append(cfg.Transitions[tr.From], tr)
	}

	// Descending priority; stable sort preserves document order on ties.
	for from := range cfg.Transitions {
		edges := cfg.Transitions[from]
		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].Priority > edges[j].Priority
		})
		cfg.Transitions[from] = edges
	}

	for _, def := range doc.States {
		action := def.TimeoutAction
		if action == nil {
			continue
		}
		switch action.Type {
		case TimeoutActionTransition:
			if _, ok := cfg.States[action.TargetState]; !ok {
				log.Printf("flow %s: state %s timeout action targets undefined state %s",
					cfg.Name, def.ID, action.TargetState)
			}
		case TimeoutActionEvent:
			if action.EventType == "" {
				log.Printf("flow %s: state %s timeout action has empty event type",
					cfg.Name, def.ID)
			}
		default:
			log.Printf("flow %s: state %s has unknown timeout action type %q",
				cfg.Name, def.ID, action.Type)
		}
	}

	return cfg, nil
}
