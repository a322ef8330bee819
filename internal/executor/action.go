// Package executor turns a step into an action and runs it.
package executor

import "opsline/internal/domain"

// Action is the closed set of things a step can do. Add new kinds as new
// Action types and handle them in Executor.Execute.
type Action interface {
	isAction()
}

// NoteAction succeeds immediately and echoes the step's details.
type NoteAction struct {
	Details string
}

// GatewayAction runs the external gateway with Args as its argv.
type GatewayAction struct {
	Args []string
}

// UnknownAction is any kind this build does not understand.
type UnknownAction struct {
	Kind string
}

func (NoteAction) isAction()    {}
func (GatewayAction) isAction() {}
func (UnknownAction) isAction() {}

// ActionFor maps a step's kind tag to its action.
func ActionFor(s domain.Step) Action {
	switch s.Kind {
	case domain.StepKindNote:
		return NoteAction{Details: s.Details}
	case domain.StepKindOpenclaw:
		return GatewayAction{Args: append([]string(nil), s.Args...)}
	default:
		return UnknownAction{Kind: s.Kind}
	}
}
