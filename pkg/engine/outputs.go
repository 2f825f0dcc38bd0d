package engine

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// DefaultOutputTemplate renders the raw value.
const DefaultOutputTemplate = "{{ .Value }}"

// templateData is what a binding template sees.
type templateData struct {
	Label  string
	Value  interface{}
	Node   string
	Output string
}

// AggregateOutputs renders every binding of the graph. A binding whose source
// node is not ready renders "unavailable: <reason>" instead of a value.
func AggregateOutputs(g *Graph) []RenderedOutput {
	rendered := make([]RenderedOutput, 0, len(g.Bindings))
	for _, binding := range g.Bindings {
		rendered = append(rendered, renderBinding(g, binding))
	}
	return rendered
}

func renderBinding(g *Graph, binding OutputBinding) RenderedOutput {
	out := RenderedOutput{Label: binding.Label}

	node, ok := g.Node(binding.Source)
	if !ok {
		out.Value = fmt.Sprintf("unavailable: %s is not declared", binding.Source)
		return out
	}
	if node.State != NodeStateReady {
		out.Value = fmt.Sprintf("unavailable: %s is %s", binding.Source, node.State)
		return out
	}
	value, ok := node.Outputs[binding.Output]
	if !ok {
		out.Value = fmt.Sprintf("unavailable: %s did not report %q", binding.Source, binding.Output)
		return out
	}

	text, err := RenderTemplate(binding, value)
	if err != nil {
		out.Value = fmt.Sprintf("unavailable: %v", err)
		return out
	}
	out.Value = text
	out.Available = true
	return out
}

// RenderTemplate renders a binding's template for a value. Templates use
// text/template syntax with the sprig function library.
func RenderTemplate(binding OutputBinding, value interface{}) (string, error) {
	src := binding.Template
	if src == "" {
		src = DefaultOutputTemplate
	}

	tmpl, err := template.New(binding.Label).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(src)
	if err != nil {
		return "", fmt.Errorf("output %q: invalid template: %w", binding.Label, err)
	}

	var buf bytes.Buffer
	data := templateData{
		Label:  binding.Label,
		Value:  value,
		Node:   binding.Source.String(),
		Output: binding.Output,
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("output %q: %w", binding.Label, err)
	}
	return buf.String(), nil
}

// ValidateTemplate parses a binding template without rendering it.
func ValidateTemplate(binding OutputBinding) error {
	if binding.Template == "" {
		return nil
	}
	_, err := template.New(binding.Label).Funcs(sprig.TxtFuncMap()).Parse(binding.Template)
	return err
}
