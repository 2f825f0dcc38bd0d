package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/straddle/pkg/engine"
	"github.com/openfroyo/straddle/pkg/policy"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorYellow = lipgloss.Color("#eab308")
	colorRed    = lipgloss.Color("#ef4444")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")
	colorWhite  = lipgloss.Color("#f9fafb")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorWhite)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
	greenStyle   = lipgloss.NewStyle().Foreground(colorGreen)
	yellowStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	redStyle     = lipgloss.NewStyle().Foreground(colorRed)
)

// PolicyError reports the blocking violations that stopped a command.
type PolicyError struct {
	Operation  string
	Violations []policy.Violation
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s denied by policy: %d blocking violation(s)", e.Operation, len(e.Violations))
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func actionStyle(a engine.Action) lipgloss.Style {
	switch a {
	case engine.ActionCreate:
		return greenStyle
	case engine.ActionUpdate:
		return yellowStyle
	case engine.ActionDelete:
		return redStyle
	default:
		return dimStyle
	}
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(engine.NodeStateReady), string(engine.TeardownDestroyed):
		return greenStyle
	case string(engine.NodeStateBlocked), string(engine.NodeStateCancelled), string(engine.TeardownRetained):
		return yellowStyle
	case string(engine.NodeStateFailed):
		return redStyle
	default:
		return dimStyle
	}
}

func header(b *strings.Builder, title string) {
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("  " + title))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("═", 40)))
	b.WriteString("\n")
}

func section(b *strings.Builder, title string) {
	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("  " + title))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("─", 40)))
	b.WriteString("\n")
}

// nameWidth is the column width of node identities.
func nameWidth(ids []engine.NodeID) int {
	width := 20
	for _, id := range ids {
		width = max(width, len(id.String()))
	}
	return width
}

func renderPlan(plan *engine.Plan) string {
	var b strings.Builder
	header(&b, "straddle plan: "+plan.Deployment)

	ids := make([]engine.NodeID, 0, len(plan.Entries))
	for _, e := range plan.Entries {
		ids = append(ids, e.Node)
	}
	width := nameWidth(ids)

	section(&b, "Resources")
	for _, e := range plan.Entries {
		style := actionStyle(e.Action)
		line := fmt.Sprintf("  %s %-*s  %-17s  %-6s", e.Action.Symbol(), width, e.Node, e.Target, e.Action)
		b.WriteString(style.Render(line))
		if e.Reason != "" {
			b.WriteString("  " + dimStyle.Render(e.Reason))
		}
		if e.Bootstrap > 0 {
			b.WriteString("  " + dimStyle.Render(fmt.Sprintf("(%d bootstrap steps)", e.Bootstrap)))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "  Plan: %d to create, %d to update, %d unchanged, %d to delete.\n",
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Noop, plan.Summary.Delete)
	return b.String()
}

func renderResult(result *engine.Result) string {
	var b strings.Builder
	header(&b, "straddle apply: "+result.Deployment)

	ids := make([]engine.NodeID, 0, len(result.Nodes))
	for _, n := range result.Nodes {
		ids = append(ids, n.Node)
	}
	width := nameWidth(ids)

	section(&b, "Resources")
	for _, n := range result.Nodes {
		line := fmt.Sprintf("    %-*s  %-9s  attempts=%d", width, n.Node, n.State, n.Attempts)
		b.WriteString(stateStyle(string(n.State)).Render(line))
		b.WriteString("\n")
		for _, cause := range n.Causes {
			b.WriteString(dimStyle.Render("      " + cause))
			b.WriteString("\n")
		}
	}

	if len(result.Outputs) > 0 {
		section(&b, "Outputs")
		b.WriteString(renderOutputs(result.Outputs))
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "  Run %s: %s (%d ready, %d failed, %d blocked, %d cancelled)\n",
		result.RunID, result.Status, result.Summary.Ready, result.Summary.Failed,
		result.Summary.Blocked, result.Summary.Cancelled)
	return b.String()
}

func renderOutputs(outputs []engine.RenderedOutput) string {
	width := 10
	for _, o := range outputs {
		width = max(width, len(o.Label))
	}

	var b strings.Builder
	for _, o := range outputs {
		value := greenStyle.Render(o.Value)
		if !o.Available {
			value = dimStyle.Render("<unavailable>")
		}
		fmt.Fprintf(&b, "    %-*s  %s\n", width, o.Label, value)
	}
	return b.String()
}

func renderDestroy(deployment string, result *engine.DestroyResult) string {
	var b strings.Builder
	header(&b, "straddle destroy: "+deployment)

	ids := make([]engine.NodeID, 0, len(result.Nodes))
	for _, n := range result.Nodes {
		ids = append(ids, n.Node)
	}
	width := nameWidth(ids)

	section(&b, "Resources")
	for _, n := range result.Nodes {
		line := fmt.Sprintf("    %-*s  %-9s  %s", width, n.Node, n.State, n.Identifier)
		b.WriteString(stateStyle(string(n.State)).Render(line))
		b.WriteString("\n")
		if n.Error != nil {
			b.WriteString(dimStyle.Render("      " + n.Error.Error()))
			b.WriteString("\n")
		}
	}
	if len(result.Nodes) == 0 {
		b.WriteString(dimStyle.Render("    Nothing recorded for this deployment."))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "  Run %s: %s in %s\n", result.RunID, result.Status, result.Elapsed.Round(time.Millisecond))
	return b.String()
}

func renderViolations(title string, violations []policy.Violation) string {
	var b strings.Builder
	section(&b, title)
	for _, v := range violations {
		style := yellowStyle
		if v.Severity.Blocks() {
			style = redStyle
		}
		target := v.Node
		if target == "" {
			target = "-"
		}
		b.WriteString(style.Render(fmt.Sprintf("    [%s] %s", v.Severity, v.Policy)))
		fmt.Fprintf(&b, "  %s: %s\n", target, v.Message)
	}
	return b.String()
}
