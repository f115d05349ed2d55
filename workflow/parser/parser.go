// Package parser turns YAML workflow and workbook definitions into validated
// workflow.Spec values. It accepts either a bare document mapping workflow
// names to bodies or a workbook document with a name and a workflows section,
// in which case workflow names are qualified as "<workbook>.<workflow>".
package parser

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maestroflow/maestro/workflow"
)

// Reserved top-level keys that never name a workflow.
var reservedKeys = map[string]bool{
	"version":   true,
	"name":      true,
	"workflows": true,
}

// Parse decodes a YAML definition into one Spec per workflow, in declaration
// order.
func Parse(definition string) ([]*workflow.Spec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(definition), &root); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("parse definition: empty document")
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse definition: top level must be a mapping")
	}

	var (
		workbook  string
		workflows *yaml.Node
	)
	forEachEntry(doc, func(key string, val *yaml.Node) {
		switch key {
		case "name":
			workbook = val.Value
		case "workflows":
			workflows = val
		}
	})

	var specs []*workflow.Spec
	if workflows != nil {
		if workbook == "" {
			return nil, fmt.Errorf("parse definition: workbook requires a name")
		}
		var err error
		forEachEntry(workflows, func(key string, val *yaml.Node) {
			if err != nil {
				return
			}
			var spec *workflow.Spec
			spec, err = parseWorkflow(workbook+"."+key, val)
			if err == nil {
				specs = append(specs, spec)
			}
		})
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		forEachEntry(doc, func(key string, val *yaml.Node) {
			if err != nil || reservedKeys[key] {
				return
			}
			var spec *workflow.Spec
			spec, err = parseWorkflow(key, val)
			if err == nil {
				specs = append(specs, spec)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("parse definition: no workflows found")
	}
	return specs, nil
}

func parseWorkflow(name string, n *yaml.Node) (*workflow.Spec, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("workflow %q: body must be a mapping", name)
	}
	spec := &workflow.Spec{
		Name:  name,
		Type:  workflow.TypeDirect,
		Tasks: make(map[string]*workflow.TaskSpec),
	}
	var err error
	forEachEntry(n, func(key string, val *yaml.Node) {
		if err != nil {
			return
		}
		switch key {
		case "type":
			switch workflow.Type(val.Value) {
			case workflow.TypeDirect, workflow.TypeReverse:
				spec.Type = workflow.Type(val.Value)
			default:
				err = fmt.Errorf("workflow %q: unknown type %q", name, val.Value)
			}
		case "input":
			spec.Input, err = parseInput(name, val)
		case "output":
			err = val.Decode(&spec.Output)
		case "task-defaults":
			spec.TaskDefaults = new(workflow.Policies)
			err = val.Decode(spec.TaskDefaults)
		case "tasks":
			forEachEntry(val, func(taskName string, taskNode *yaml.Node) {
				if err != nil {
					return
				}
				var task *workflow.TaskSpec
				task, err = parseTask(taskName, taskNode)
				if err != nil {
					return
				}
				spec.Tasks[taskName] = task
				spec.TaskOrder = append(spec.TaskOrder, taskName)
			})
		}
	})
	if err != nil {
		return nil, err
	}
	if len(spec.Tasks) == 0 {
		return nil, fmt.Errorf("workflow %q: no tasks defined", name)
	}
	if err := validateEdges(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func parseTask(name string, n *yaml.Node) (*workflow.TaskSpec, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("task %q: body must be a mapping", name)
	}
	task := &workflow.TaskSpec{Name: name}
	var err error
	forEachEntry(n, func(key string, val *yaml.Node) {
		if err != nil {
			return
		}
		switch key {
		case "action":
			var inline map[string]any
			task.Action, inline, err = splitActionExpr(val.Value)
			if len(inline) > 0 {
				if task.Input == nil {
					task.Input = make(map[string]any, len(inline))
				}
				for k, v := range inline {
					task.Input[k] = v
				}
			}
		case "workflow":
			task.Workflow = val.Value
		case "input":
			var in map[string]any
			if err = val.Decode(&in); err != nil {
				return
			}
			if task.Input == nil {
				task.Input = in
			} else {
				for k, v := range in {
					task.Input[k] = v
				}
			}
		case "publish":
			err = val.Decode(&task.Publish)
		case "on-success":
			task.OnSuccess, err = parseEdges(name, val)
		case "on-error":
			task.OnError, err = parseEdges(name, val)
		case "on-complete":
			task.OnComplete, err = parseEdges(name, val)
		case "requires":
			switch val.Kind {
			case yaml.ScalarNode:
				task.Requires = []string{val.Value}
			default:
				err = val.Decode(&task.Requires)
			}
		case "join":
			task.Join, err = parseJoin(name, val)
		case "policies":
			task.Policies = new(workflow.Policies)
			err = val.Decode(task.Policies)
		}
	})
	if err != nil {
		return nil, err
	}
	if task.Action != "" && task.Workflow != "" {
		return nil, fmt.Errorf("task %q: action and workflow are mutually exclusive", name)
	}
	return task, nil
}

func parseEdges(task string, n *yaml.Node) ([]workflow.Edge, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("task %q: on-* clause must be a list", task)
	}
	edges := make([]workflow.Edge, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			edges = append(edges, workflow.Edge{Task: item.Value})
		case yaml.MappingNode:
			if len(item.Content) != 2 {
				return nil, fmt.Errorf("task %q: conditioned edge must have a single entry", task)
			}
			edges = append(edges, workflow.Edge{
				Task:      item.Content[0].Value,
				Condition: item.Content[1].Value,
			})
		default:
			return nil, fmt.Errorf("task %q: invalid on-* entry", task)
		}
	}
	return edges, nil
}

func parseJoin(task string, n *yaml.Node) (*workflow.JoinSpec, error) {
	if n.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("task %q: join must be a scalar", task)
	}
	switch n.Value {
	case workflow.JoinAll, workflow.JoinOne:
		return &workflow.JoinSpec{Kind: n.Value}, nil
	}
	var count int
	if err := n.Decode(&count); err != nil || count <= 0 {
		return nil, fmt.Errorf("task %q: join must be all, one or a positive integer", task)
	}
	return &workflow.JoinSpec{Count: count}, nil
}

func parseInput(wf string, n *yaml.Node) ([]workflow.ParamSpec, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("workflow %q: input must be a list", wf)
	}
	params := make([]workflow.ParamSpec, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			params = append(params, workflow.ParamSpec{Name: item.Value})
		case yaml.MappingNode:
			if len(item.Content) != 2 {
				return nil, fmt.Errorf("workflow %q: defaulted input must have a single entry", wf)
			}
			var def any
			if err := item.Content[1].Decode(&def); err != nil {
				return nil, fmt.Errorf("workflow %q: input default: %w", wf, err)
			}
			params = append(params, workflow.ParamSpec{
				Name:       item.Content[0].Value,
				Default:    def,
				HasDefault: true,
			})
		default:
			return nil, fmt.Errorf("workflow %q: invalid input entry", wf)
		}
	}
	return params, nil
}

// splitActionExpr splits an action expression of the form
// "std.echo output=1 message='a b'" into the action name and its inline
// input map. Quoted values keep embedded spaces; unquoted values decode as
// YAML scalars so numbers stay numbers.
func splitActionExpr(expr string) (string, map[string]any, error) {
	fields, err := splitQuoted(expr)
	if err != nil {
		return "", nil, err
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty action expression")
	}
	name := fields[0]
	var input map[string]any
	for _, field := range fields[1:] {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return "", nil, fmt.Errorf("action %q: malformed argument %q", name, field)
		}
		if input == nil {
			input = make(map[string]any)
		}
		input[k] = decodeScalar(v)
	}
	return name, input, nil
}

func splitQuoted(s string) ([]string, error) {
	var (
		fields []string
		cur    strings.Builder
		quote  byte
		tmpl   bool
	)
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case tmpl:
			cur.WriteByte(c)
			if c == '%' && i+1 < len(s) && s[i+1] == '>' {
				cur.WriteByte('>')
				i++
				tmpl = false
			}
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '<' && i+1 < len(s) && s[i+1] == '%':
			// Template segments are atomic: spaces and quotes inside them
			// belong to the expression.
			cur.WriteString("<%")
			i++
			tmpl = true
		case c == '"' || c == '\'':
			quote = c
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if tmpl {
		return nil, fmt.Errorf("unterminated template in %q", s)
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	flush()
	return fields, nil
}

// decodeScalar decodes an unquoted inline argument the way YAML would, so
// "1" becomes an int and "true" a bool. Values that fail to decode stay
// strings.
func decodeScalar(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	return v
}

// validateEdges rejects edges that reference tasks missing from the
// definition.
func validateEdges(spec *workflow.Spec) error {
	for _, name := range spec.TaskOrder {
		t := spec.Tasks[name]
		for _, edges := range [][]workflow.Edge{t.OnSuccess, t.OnError, t.OnComplete} {
			for _, e := range edges {
				if workflow.IsSentinel(e.Task) {
					continue
				}
				if _, ok := spec.Tasks[e.Task]; !ok {
					return fmt.Errorf("workflow %q: task %q references unknown task %q", spec.Name, name, e.Task)
				}
			}
		}
		for _, req := range t.Requires {
			if _, ok := spec.Tasks[req]; !ok {
				return fmt.Errorf("workflow %q: task %q requires unknown task %q", spec.Name, name, req)
			}
		}
	}
	return nil
}

func forEachEntry(n *yaml.Node, fn func(key string, val *yaml.Node)) {
	if n == nil || n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		fn(n.Content[i].Value, n.Content[i+1])
	}
}
