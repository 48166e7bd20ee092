package autodown

import (
	"fmt"
	"strings"
)

// Action is the closed set of audit log actions.
type Action string

const (
	ActionScheduled Action = "scheduled"
	ActionExecuted  Action = "executed"
	ActionSkipped   Action = "skipped"
	ActionError     Action = "error"
	ActionCanceled  Action = "canceled"
)

var allActions = []Action{ActionScheduled, ActionExecuted, ActionSkipped, ActionError, ActionCanceled}

// Actions returns every action kind in display order.
func Actions() []Action {
	return append([]Action(nil), allActions...)
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionScheduled, ActionExecuted, ActionSkipped, ActionError, ActionCanceled:
		return true
	}
	return false
}

// Label is the human-readable name shown in admin listings.
func (a Action) Label() string {
	switch a {
	case ActionScheduled:
		return "Scheduled"
	case ActionExecuted:
		return "Executed"
	case ActionSkipped:
		return "Skipped"
	case ActionError:
		return "Execution error"
	case ActionCanceled:
		return "Canceled"
	default:
		return string(a)
	}
}

func (a Action) String() string { return string(a) }

// ParseAction accepts the stored value in any letter case.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
	return a, nil
}

// ActionItem is the value/label pair used by select inputs.
type ActionItem struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

func (a Action) Item() ActionItem { return ActionItem{Value: string(a), Label: a.Label()} }

// ActionItems lists every action as a value/label pair.
func ActionItems() []ActionItem {
	out := make([]ActionItem, 0, len(allActions))
	for _, a := range allActions {
		out = append(out, a.Item())
	}
	return out
}
