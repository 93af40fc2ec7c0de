package schema

// AnalysisType is a validated stage/group/variable template. It is never
// mutated after Load returns and may be shared by every case of the type.
type AnalysisType struct {
	name       string
	stages     []Stage
	stageIndex map[string]int
	groups     map[string]Group
	vars       map[string]Variable
}

func (t *AnalysisType) DisplayName() string {
	return t.name
}

// StagesInOrder returns a copy of the stages in configured order.
func (t *AnalysisType) StagesInOrder() []Stage {
	out := make([]Stage, len(t.stages))
	for i, st := range t.stages {
		st.Groups = append([]string(nil), st.Groups...)
		out[i] = st
	}
	return out
}

// StageKeys returns the stage keys in configured order.
func (t *AnalysisType) StageKeys() []string {
	out := make([]string, len(t.stages))
	for i, st := range t.stages {
		out[i] = st.Key
	}
	return out
}

// StageIndex returns the position of the stage, or -1.
func (t *AnalysisType) StageIndex(key string) int {
	idx, ok := t.stageIndex[key]
	if !ok {
		return -1
	}
	return idx
}

func (t *AnalysisType) HasStage(key string) bool {
	_, ok := t.stageIndex[key]
	return ok
}

// GroupsForStage returns the group keys of a stage in order; unknown
// stages have no groups.
func (t *AnalysisType) GroupsForStage(stageKey string) []string {
	idx, ok := t.stageIndex[stageKey]
	if !ok {
		return nil
	}
	return append([]string(nil), t.stages[idx].Groups...)
}

// VariablesForGroup returns the variable names of a group in order.
func (t *AnalysisType) VariablesForGroup(groupKey string) []string {
	g, ok := t.groups[groupKey]
	if !ok {
		return nil
	}
	return append([]string(nil), g.Vars...)
}

func (t *AnalysisType) VariableInfo(name string) (Variable, bool) {
	v, ok := t.vars[name]
	if !ok {
		return Variable{}, false
	}
	v.Choices = append([]string(nil), v.Choices...)
	return v, true
}

func (t *AnalysisType) HasVariable(name string) bool {
	_, ok := t.vars[name]
	return ok
}

// TranslateStageLabel returns the display label of a stage, falling back
// to the key itself.
func (t *AnalysisType) TranslateStageLabel(key string) string {
	idx, ok := t.stageIndex[key]
	if !ok || t.stages[idx].Label == "" {
		return key
	}
	return t.stages[idx].Label
}

func (t *AnalysisType) TranslateGroupLabel(key string) string {
	g, ok := t.groups[key]
	if !ok || g.Label == "" {
		return key
	}
	return g.Label
}

// Defaults returns the default value of every variable.
func (t *AnalysisType) Defaults() map[string]string {
	out := make(map[string]string, len(t.vars))
	for name, v := range t.vars {
		out[name] = v.Default
	}
	return out
}

func (t *AnalysisType) VariableCount() int {
	return len(t.vars)
}
