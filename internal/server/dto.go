package server

import (
	"opsline/internal/domain"
)

// Request payloads

type CreateProposalRequest struct {
	Source      string `json:"source,omitempty" enum:"manual,trigger,reaction,api"`
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Project     string `json:"project,omitempty"`
	TaskKey     string `json:"taskKey,omitempty"`
}

// ApproveRequest is optional; an empty body approves with defaults.
type ApproveRequest struct {
	StepKind  string   `json:"stepKind,omitempty"`
	StepTitle string   `json:"stepTitle,omitempty"`
	StepArgs  []string `json:"stepArgs,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AddStepRequest struct {
	Kind    string   `json:"kind,omitempty"`
	Title   string   `json:"title" minLength:"1"`
	Details string   `json:"details,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// Response payloads

type ProposalList struct {
	Items []domain.Proposal `json:"items"`
}

type ApproveResponse struct {
	Applied  bool            `json:"applied"`
	Proposal domain.Proposal `json:"proposal"`
	Mission  *domain.Mission `json:"mission,omitempty"`
	Step     *domain.Step    `json:"step,omitempty"`
}

type RejectResponse struct {
	Applied  bool            `json:"applied"`
	Proposal domain.Proposal `json:"proposal"`
}

type MissionList struct {
	Items []domain.Mission `json:"items"`
}

type MissionDetail struct {
	Mission  domain.Mission `json:"mission"`
	Steps    []domain.Step  `json:"steps"`
	Timeline []domain.Event `json:"timeline"`
}

type StepList struct {
	Items []domain.Step `json:"items"`
}

type EventList struct {
	Items []domain.Event `json:"items"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
