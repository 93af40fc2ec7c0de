package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/g960059/cwe/internal/doctor"
	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/schema"
	"github.com/g960059/cwe/internal/session"
)

// AnalysisType lists every variable of t by stage and group, in
// configured order.
func AnalysisType(m Mode, id string, t *schema.AnalysisType) string {
	tb := NewTable(m)
	tb.Header("Stage", "Group", "Variable", "Kind", "Default", "Choices")
	for _, st := range t.StagesInOrder() {
		for _, g := range st.Groups {
			for _, name := range t.VariablesForGroup(g) {
				v, _ := t.VariableInfo(name)
				tb.Row(t.TranslateStageLabel(st.Key), t.TranslateGroupLabel(g), v.Label+" ("+name+")", string(v.Kind), v.Default, strings.Join(v.Choices, ", "))
			}
		}
	}
	tb.Footer("", "", fmt.Sprintf("%d variables", t.VariableCount()), "", "", "")
	tb.Columns(ColumnConfig{Number: 6, MaxWidth: 40})
	return fmt.Sprintf("%s [%s]\n%s\n", t.DisplayName(), id, tb.String())
}

// Cases lists archived cases.
func Cases(m Mode, cases []model.CaseRecord) string {
	tb := NewTable(m)
	tb.Header("Case", "Name", "Type", "Status", "Stages", "Updated", "Closed")
	for _, c := range cases {
		closed := ""
		if c.ClosedAt != nil {
			closed = c.ClosedAt.Format(time.DateTime)
		}
		tb.Row(shortID(c.CaseID), c.Name, c.TypeName, string(c.Status), stageSummary(c.StageOrder, c.Stages), c.UpdatedAt.Format(time.DateTime), closed)
	}
	tb.Columns(ColumnConfig{Number: 5, MaxWidth: 60})
	return tb.String() + "\n"
}

// Operations lists journal entries of one case.
func Operations(m Mode, ops []model.OperationRecord) string {
	tb := NewTable(m)
	tb.Header("Operation", "Kind", "Stage", "Target", "State", "Error")
	for _, op := range ops {
		tb.Row(shortID(op.OpID), string(op.Kind), op.Stage, op.Target, string(op.State), op.ErrorCode)
	}
	tb.Columns(ColumnConfig{Number: 4, MaxWidth: 48})
	return tb.String() + "\n"
}

// Snapshot renders the header and stage table of a presented case.
func Snapshot(m Mode, snap session.CaseSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s | %s | %s | %s\n", snap.Name, snap.TypeName, snap.Location, snap.Overall)
	tb := NewTable(m)
	tb.Header("Stage", "Status", "Actions", "View")
	for _, st := range snap.Stages {
		label := st.Label
		if st.Key == snap.Cursor.Stage {
			label = "> " + label
		}
		tb.Row(label, st.Text, st.Buttons.String(), string(st.View))
	}
	b.WriteString(tb.String())
	b.WriteString("\n")
	return b.String()
}

func stageSummary(order []string, stages map[string]model.StageStatus) string {
	parts := make([]string, 0, len(order))
	for _, key := range order {
		parts = append(parts, key+"="+string(stages[key]))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Checks lists doctor results.
func Checks(m Mode, checks []doctor.Check) string {
	tb := NewTable(m)
	tb.Header("Check", "Status", "Message", "Path")
	for _, c := range checks {
		tb.Row(c.Name, string(c.Status), c.Message, c.Path)
	}
	tb.Columns(ColumnConfig{Number: 3, MaxWidth: 60})
	return tb.String() + "\n"
}
