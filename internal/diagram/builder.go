package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build lays out ens.Flow from top to bottom. statuses maps step keys (see
// schema.FlowStep.Key) to one of the Status* values and may be nil.
func Build(ens *schema.Ensemble, statuses map[string]string) (*Model, error) {
	if ens == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: ensemble is nil")
	}
	if len(ens.Flow) == 0 {
		if ens.IsDynamic() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"diagram: flow of %s is only known at execution time", ens.Name)
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "diagram: ensemble %s has no flow", ens.Name)
	}

	b := &builder{statuses: statuses}
	nodes := []*Node{{ID: startID, Label: "Start", Kind: NodeKindStart}}
	for i := range ens.Flow {
		nodes = append(nodes, b.node(&ens.Flow[i], fmt.Sprintf("s%d", i)))
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &Model{
		Title: title(ens),
		Nodes: nodes,
		Edges: chain(nodes),
	}, nil
}

// StatusesFromSteps derives statuses from the steps map of an execution
// snapshot: records with success true are completed, the rest failed.
func StatusesFromSteps(steps map[string]any) map[string]string {
	out := make(map[string]string, len(steps))
	for name, rec := range steps {
		m, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		if success, _ := m["success"].(bool); success {
			out[name] = StatusCompleted
		} else {
			out[name] = StatusFailed
		}
	}
	return out
}

type builder struct {
	statuses map[string]string
}

func (b *builder) node(step *schema.FlowStep, id string) *Node {
	n := &Node{
		ID:     id,
		Label:  label(step),
		Kind:   kindOf(step.Kind()),
		Status: b.statuses[step.Key()],
	}

	switch step.Kind() {
	case schema.StepTypeParallel:
		n.Children = append(n.Children, b.group(id, "wait "+string(step.EffectiveWaitFor()), step.Steps, false))
	case schema.StepTypeBranch:
		n.Children = append(n.Children, b.group(id, "then", step.Then, true))
		if len(step.Else) > 0 {
			n.Children = append(n.Children, b.group(id, "else", step.Else, true))
		}
	case schema.StepTypeSwitch:
		keys := make([]string, 0, len(step.Cases))
		for k := range step.Cases {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			n.Children = append(n.Children, b.group(id, "case "+k, step.Cases[k], true))
		}
		if len(step.Default) > 0 {
			n.Children = append(n.Children, b.group(id, "default", step.Default, true))
		}
	case schema.StepTypeForeach:
		if step.Step != nil {
			n.Children = append(n.Children, b.group(id, "each item", []schema.FlowStep{*step.Step}, false))
		}
	case schema.StepTypeWhile:
		n.Children = append(n.Children, b.group(id, fmt.Sprintf("body, max %d", step.EffectiveMaxIterations()), step.Steps, true))
	case schema.StepTypeTry:
		n.Children = append(n.Children, b.group(id, "try", step.Steps, true))
		if len(step.Catch) > 0 {
			n.Children = append(n.Children, b.group(id, "catch", step.Catch, true))
		}
		if len(step.Finally) > 0 {
			n.Children = append(n.Children, b.group(id, "finally", step.Finally, true))
		}
	case schema.StepTypeMapReduce:
		if step.Map != nil {
			n.Children = append(n.Children, b.group(id, "map", []schema.FlowStep{*step.Map}, false))
		}
		if step.Reduce != nil {
			n.Children = append(n.Children, b.group(id, "reduce", []schema.FlowStep{*step.Reduce}, false))
		}
	}
	return n
}

// group builds a subgraph. Sequential groups chain their nodes.
func (b *builder) group(parent, label string, steps []schema.FlowStep, sequential bool) *SubGraph {
	id := parent + "_" + safeSuffix(label)
	sg := &SubGraph{ID: id, Label: label}
	for i := range steps {
		sg.Nodes = append(sg.Nodes, b.node(&steps[i], fmt.Sprintf("%s_%d", id, i)))
	}
	if sequential {
		sg.Edges = chain(sg.Nodes)
	}
	return sg
}

func chain(nodes []*Node) []Edge {
	var edges []Edge
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return edges
}

func kindOf(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeBranch, schema.StepTypeSwitch:
		return NodeKindCondition
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeForeach, schema.StepTypeWhile, schema.StepTypeMapReduce:
		return NodeKindLoop
	case schema.StepTypeTry:
		return NodeKindTry
	case schema.StepTypeSuspend:
		return NodeKindSuspend
	default:
		return NodeKindAgent
	}
}

func label(step *schema.FlowStep) string {
	switch step.Kind() {
	case schema.StepTypeAgent:
		l := step.Agent
		if step.Name != "" && step.Name != step.Agent {
			l = step.Name + ": " + step.Agent
		}
		if step.Scoring != nil {
			l += " (scored)"
		}
		return l
	case schema.StepTypeBranch, schema.StepTypeWhile:
		return fmt.Sprintf("%s %v", step.Key(), step.Condition)
	case schema.StepTypeSwitch:
		return fmt.Sprintf("%s %v", step.Key(), step.Value)
	case schema.StepTypeSuspend:
		if step.Reason != "" {
			return "suspend: " + step.Reason
		}
		return step.Key()
	default:
		return step.Key()
	}
}

func title(ens *schema.Ensemble) string {
	if ens.Version == "" {
		return ens.Name
	}
	return ens.Name + " v" + ens.Version
}

func safeSuffix(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
