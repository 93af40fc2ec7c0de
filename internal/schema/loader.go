package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type document struct {
	Name   string       `yaml:"name"`
	Stages []stageEntry `yaml:"stages"`
	Groups []groupEntry `yaml:"groups"`
	Vars   []varEntry   `yaml:"vars"`
}

type stageEntry struct {
	Key    string   `yaml:"key"`
	Label  string   `yaml:"label"`
	Groups []string `yaml:"groups"`
}

type groupEntry struct {
	Key   string   `yaml:"key"`
	Label string   `yaml:"label"`
	Vars  []string `yaml:"vars"`
}

type varEntry struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Label   string   `yaml:"label"`
	Choices []string `yaml:"choices"`
	Default string   `yaml:"default"`
}

// Load parses and validates an analysis type document (YAML or JSON).
// Nothing is returned unless every entry validates.
func Load(data []byte) (*AnalysisType, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &SchemaError{Kind: MalformedEntry, Detail: err.Error()}
	}
	return build(doc)
}

func LoadFile(path string) (*AnalysisType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read analysis type %s: %w", path, err)
	}
	t, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("load analysis type %s: %w", path, err)
	}
	return t, nil
}

func build(doc document) (*AnalysisType, error) {
	if strings.TrimSpace(doc.Name) == "" {
		return nil, &SchemaError{Kind: MalformedEntry, Path: "name", Detail: "display name is required"}
	}
	if len(doc.Stages) == 0 {
		return nil, &SchemaError{Kind: MalformedEntry, Path: "stages", Detail: "no stages given"}
	}

	vars := make(map[string]Variable, len(doc.Vars))
	for i, entry := range doc.Vars {
		path := fmt.Sprintf("vars[%d]", i)
		v, err := buildVariable(path, entry)
		if err != nil {
			return nil, err
		}
		if _, dup := vars[v.Name]; dup {
			return nil, &SchemaError{Kind: DuplicateKey, Path: path, Detail: fmt.Sprintf("variable %q defined twice", v.Name)}
		}
		vars[v.Name] = v
	}

	groups := make(map[string]Group, len(doc.Groups))
	for i, entry := range doc.Groups {
		path := fmt.Sprintf("groups[%d]", i)
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return nil, &SchemaError{Kind: MalformedEntry, Path: path, Detail: "group key is required"}
		}
		if _, dup := groups[key]; dup {
			return nil, &SchemaError{Kind: DuplicateKey, Path: path, Detail: fmt.Sprintf("group %q defined twice", key)}
		}
		seen := make(map[string]struct{}, len(entry.Vars))
		for _, name := range entry.Vars {
			if _, ok := vars[name]; !ok {
				return nil, &SchemaError{Kind: MissingReference, Path: path, Detail: fmt.Sprintf("group %q references unknown variable %q", key, name)}
			}
			if _, dup := seen[name]; dup {
				return nil, &SchemaError{Kind: DuplicateKey, Path: path, Detail: fmt.Sprintf("group %q lists variable %q twice", key, name)}
			}
			seen[name] = struct{}{}
		}
		groups[key] = Group{Key: key, Label: entry.Label, Vars: append([]string(nil), entry.Vars...)}
	}

	stages := make([]Stage, 0, len(doc.Stages))
	stageIndex := make(map[string]int, len(doc.Stages))
	for i, entry := range doc.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return nil, &SchemaError{Kind: MalformedEntry, Path: path, Detail: "stage key is required"}
		}
		if _, dup := stageIndex[key]; dup {
			return nil, &SchemaError{Kind: DuplicateKey, Path: path, Detail: fmt.Sprintf("stage %q defined twice", key)}
		}
		if len(entry.Groups) == 0 {
			return nil, &SchemaError{Kind: MalformedEntry, Path: path, Detail: fmt.Sprintf("stage %q has no groups", key)}
		}
		seen := make(map[string]struct{}, len(entry.Groups))
		for _, g := range entry.Groups {
			if _, ok := groups[g]; !ok {
				return nil, &SchemaError{Kind: MissingReference, Path: path, Detail: fmt.Sprintf("stage %q references unknown group %q", key, g)}
			}
			if _, dup := seen[g]; dup {
				return nil, &SchemaError{Kind: DuplicateKey, Path: path, Detail: fmt.Sprintf("stage %q lists group %q twice", key, g)}
			}
			seen[g] = struct{}{}
		}
		stageIndex[key] = len(stages)
		stages = append(stages, Stage{Key: key, Label: entry.Label, Groups: append([]string(nil), entry.Groups...)})
	}

	return &AnalysisType{
		name:       strings.TrimSpace(doc.Name),
		stages:     stages,
		stageIndex: stageIndex,
		groups:     groups,
		vars:       vars,
	}, nil
}

func buildVariable(path string, entry varEntry) (Variable, error) {
	name := strings.TrimSpace(entry.Name)
	if name == "" {
		return Variable{}, &SchemaError{Kind: MalformedEntry, Path: path, Detail: "variable name is required"}
	}
	kind, ok := ParseKind(entry.Type)
	if !ok {
		return Variable{}, &SchemaError{Kind: MalformedEntry, Path: path, Detail: fmt.Sprintf("variable %q has unknown type %q", name, entry.Type)}
	}
	v := Variable{
		Name:    name,
		Kind:    kind,
		Label:   entry.Label,
		Choices: append([]string(nil), entry.Choices...),
		Default: entry.Default,
	}
	if v.Label == "" {
		v.Label = name
	}
	switch kind {
	case KindChoice:
		if len(v.Choices) == 0 {
			return Variable{}, &SchemaError{Kind: MalformedEntry, Path: path, Detail: fmt.Sprintf("choice variable %q has no choices", name)}
		}
		if v.Default == "" {
			v.Default = v.Choices[0]
		}
	case KindBoolean:
		if v.Default == "" {
			v.Default = "false"
		}
	}
	if !v.Accepts(v.Default) {
		return Variable{}, &SchemaError{Kind: MalformedEntry, Path: path, Detail: fmt.Sprintf("variable %q default %q is not allowed", name, v.Default)}
	}
	return v, nil
}

// Registry holds the analysis types found in a template directory,
// keyed by file name without extension.
type Registry struct {
	types map[string]*AnalysisType
}

func NewRegistry() *Registry {
	return &Registry{types: map[string]*AnalysisType{}}
}

// LoadDir loads every .yaml, .yml and .json template in dir. A single
// invalid template fails the whole load.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	reg := NewRegistry()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		t, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		reg.Add(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), t)
	}
	return reg, nil
}

func (r *Registry) Add(id string, t *AnalysisType) {
	r.types[id] = t
}

func (r *Registry) Get(id string) (*AnalysisType, bool) {
	t, ok := r.types[id]
	return t, ok
}

func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.types))
	for id := range r.types {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
