package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/openfroyo/straddle/pkg/engine"
)

// Nodes converts the document into resource nodes and output bindings
// ready for engine.GraphBuilder. Reference strings are parsed here;
// whether they point at existing nodes and outputs is checked by the
// graph builder.
func (d *Document) Nodes() ([]*engine.ResourceNode, []engine.OutputBinding, error) {
	derr := &DocumentError{}
	settings := d.Settings.WithDefaults()

	nodes := make([]*engine.ResourceNode, 0, len(d.Resources))
	for i, rc := range d.Resources {
		path := fmt.Sprintf("resources[%d]", i)
		node, err := convertResource(rc, settings)
		if err != nil {
			derr.add(path, "%s: %v", rc.ID(), err)
			continue
		}
		nodes = append(nodes, node)
	}

	bindings := make([]engine.OutputBinding, 0, len(d.Outputs))
	for i, oc := range d.Outputs {
		source, err := engine.ParseNodeID(oc.Source)
		if err != nil {
			derr.add(fmt.Sprintf("outputs[%d].source", i), "%v", err)
			continue
		}
		bindings = append(bindings, engine.OutputBinding{
			Label:    oc.Label,
			Source:   source,
			Output:   oc.Output,
			Template: oc.Template,
		})
	}

	if err := derr.errorOrNil(); err != nil {
		return nil, nil, err
	}
	return nodes, bindings, nil
}

func convertResource(rc ResourceConfig, settings Settings) (*engine.ResourceNode, error) {
	node := &engine.ResourceNode{
		ID:         engine.NodeID{Module: rc.Module, Type: rc.Type, Name: rc.Name},
		Target:     engine.EnvironmentTarget(rc.Target),
		Credential: rc.Credential,
		Inputs:     make(map[string]engine.Value, len(rc.Inputs)),
		State:      engine.NodeStatePending,
	}

	keys := make([]string, 0, len(rc.Inputs))
	for k := range rc.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, err := ParseValue(rc.Inputs[k])
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", k, err)
		}
		node.Inputs[k] = value
	}

	for _, dep := range rc.DependsOn {
		id, err := engine.ParseNodeID(dep)
		if err != nil {
			return nil, fmt.Errorf("depends_on: %w", err)
		}
		node.DependsOn = append(node.DependsOn, id)
	}

	if rc.Bootstrap != nil {
		spec, err := convertBootstrap(rc.Bootstrap, settings)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		node.Bootstrap = spec
	}
	return node, nil
}

func convertBootstrap(bc *BootstrapConfig, settings Settings) (*engine.BootstrapSpec, error) {
	host, err := parseString(bc.Connection.Host)
	if err != nil {
		return nil, fmt.Errorf("connection host: %w", err)
	}

	auth := bc.Connection.AuthMethod
	if auth == "" {
		auth = "key"
	}

	spec := &engine.BootstrapSpec{
		Connection: engine.ConnectionSpec{
			Host:       host,
			Port:       bc.Connection.Port,
			User:       bc.Connection.User,
			AuthMethod: auth,
			Credential: bc.Connection.Credential,
		},
		Readiness:   bc.Readiness,
		StepTimeout: bc.StepTimeout.Std(),
	}
	if spec.StepTimeout == 0 {
		spec.StepTimeout = settings.StepTimeout.Std()
	}

	for i, sc := range bc.Steps {
		switch {
		case sc.Upload != nil && sc.Run != nil:
			return nil, fmt.Errorf("step %d sets both upload and run", i)
		case sc.Upload != nil:
			spec.Steps = append(spec.Steps, engine.BootstrapStep{
				Kind:        engine.StepUpload,
				Name:        sc.Name,
				Source:      sc.Upload.Source,
				Content:     sc.Upload.Content,
				Destination: sc.Upload.Destination,
				Mode:        os.FileMode(sc.Upload.Mode),
			})
		case sc.Run != nil:
			spec.Steps = append(spec.Steps, engine.BootstrapStep{
				Kind:        engine.StepRun,
				Name:        sc.Name,
				Command:     sc.Run.Command,
				AlreadyDone: sc.Run.AlreadyDone,
			})
		default:
			return nil, fmt.Errorf("step %d sets neither upload nor run", i)
		}
	}
	return spec, nil
}
