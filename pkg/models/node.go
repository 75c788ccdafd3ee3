package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/opsflow/pkg/xjson"
)

// NodeType is the closed set of node kinds the engine executes.
type NodeType string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeEnd          NodeType = "end"
	NodeTypeAction       NodeType = "action"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeLoop         NodeType = "loop"
	NodeTypeParallelFork NodeType = "parallel_fork"
	NodeTypeParallelJoin NodeType = "parallel_join"
	NodeTypeHumanTask    NodeType = "human_task"
	NodeTypeSubProcess   NodeType = "sub_process"
)

// EdgeKind marks edges with structural meaning.
type EdgeKind string

const (
	EdgeKindNormal   EdgeKind = ""
	EdgeKindDefault  EdgeKind = "default"   // Fallback branch of a condition node
	EdgeKindLoopBody EdgeKind = "loop_body" // From a loop node into its body
	EdgeKindLoopBack EdgeKind = "loop_back" // From the end of a loop body back to the loop node
)

// Node is a typed step in a process graph. Exactly one configuration
// variant matching Type is set; start, end, condition, fork and join nodes carry none.
type Node struct {
	ID         string            `json:"id"                    validate:"required"`
	Name       string            `json:"name"`
	Type       NodeType          `json:"type"                  validate:"required,oneof=start end action condition loop parallel_fork parallel_join human_task sub_process"`
	Action     *ActionConfig     `json:"action,omitempty"`
	Loop       *LoopConfig       `json:"loop,omitempty"`
	HumanTask  *HumanTaskConfig  `json:"human_task,omitempty"`
	SubProcess *SubProcessConfig `json:"sub_process,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`  // top-level variable -> dotted path in the node output
	Defaults   map[string]any    `json:"defaults,omitempty"` // fallback values for unresolved keys
}

// DisplayName returns Name, or ID when no name is set.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}

	return n.ID
}

func (n *Node) Clone() *Node {
	clone := *n

	if n.Action != nil {
		a := *n.Action
		clone.Action = &a
	}

	if n.Loop != nil {
		l := *n.Loop
		clone.Loop = &l
	}

	if n.HumanTask != nil {
		h := *n.HumanTask
		h.PayloadSchema = CopyMap(n.HumanTask.PayloadSchema)
		clone.HumanTask = &h
	}

	if n.SubProcess != nil {
		s := *n.SubProcess
		if n.SubProcess.Inputs != nil {
			s.Inputs = make(map[string]string, len(n.SubProcess.Inputs))
			for k, v := range n.SubProcess.Inputs {
				s.Inputs[k] = v
			}
		}

		clone.SubProcess = &s
	}

	if n.Outputs != nil {
		clone.Outputs = make(map[string]string, len(n.Outputs))
		for k, v := range n.Outputs {
			clone.Outputs[k] = v
		}
	}

	clone.Defaults = CopyMap(n.Defaults)

	return &clone
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"          validate:"required"`
	Target string   `json:"target"          validate:"required"`
	Guard  string   `json:"guard,omitempty"`
	Kind   EdgeKind `json:"kind,omitempty"  validate:"omitempty,oneof=default loop_body loop_back"`
}

// ActionConfig configures a device command step.
type ActionConfig struct {
	Profile    string   `json:"profile"               validate:"required"`
	Command    string   `json:"command"               validate:"required"`
	Template   string   `json:"template,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"     validate:"gte=0"`
	RetryCount int      `json:"retry_count,omitempty" validate:"gte=0,lte=10"`
	RetryDelay Duration `json:"retry_delay,omitempty" validate:"gte=0"`
}

// LoopConfig bounds a loop construct. Exactly one of Condition or Count is set.
type LoopConfig struct {
	Condition     string `json:"condition,omitempty" validate:"required_without=Count,excluded_with=Count"`
	Count         int    `json:"count,omitempty"     validate:"gte=0,ltefield=MaxIterations"`
	MaxIterations int    `json:"max_iterations"      validate:"required,gt=0"`
}

// HumanTaskConfig configures a step completed by an external resume call.
type HumanTaskConfig struct {
	Assignee      string         `json:"assignee,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	PayloadSchema map[string]any `json:"payload_schema,omitempty"`
}

// SubProcessConfig starts a child instance of another definition group.
type SubProcessConfig struct {
	DefinitionGroupID string            `json:"definition_group_id" validate:"required"`
	Inputs            map[string]string `json:"inputs,omitempty"`
}

// Duration is a time.Duration encoded as a Go duration string ("30s").
type Duration time.Duration

var errInvalidDuration = errors.New("invalid duration")

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return xjson.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := xjson.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w %q: %w", errInvalidDuration, value, err)
		}

		*d = Duration(parsed)
	case float64:
		*d = Duration(value * float64(time.Second))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("%w: %v", errInvalidDuration, raw)
	}

	return nil
}
