package domain

import "time"

type ProposalSource string

const (
	SourceManual   ProposalSource = "manual"
	SourceTrigger  ProposalSource = "trigger"
	SourceReaction ProposalSource = "reaction"
	SourceAPI      ProposalSource = "api"
)

// Valid reports whether s is one of the known proposal sources.
func (s ProposalSource) Valid() bool {
	switch s {
	case SourceManual, SourceTrigger, SourceReaction, SourceAPI:
		return true
	}
	return false
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Terminal reports whether the proposal can no longer change status.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalApproved || s == ProposalRejected
}

type MissionStatus string

const (
	MissionRunning   MissionStatus = "running"
	MissionSucceeded MissionStatus = "succeeded"
	MissionFailed    MissionStatus = "failed"
)

func (s MissionStatus) Terminal() bool {
	return s == MissionSucceeded || s == MissionFailed
}

type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// Step kinds understood by the executor.
const (
	StepKindNote     = "note"
	StepKindOpenclaw = "openclaw"
)

type EventKind string

const (
	EventProposalCreated  EventKind = "proposal.created"
	EventProposalApproved EventKind = "proposal.approved"
	EventProposalRejected EventKind = "proposal.rejected"
	EventMissionCreated   EventKind = "mission.created"
	EventStepQueued       EventKind = "step.queued"
	EventStepClaimed      EventKind = "step.claimed"
	EventStepSucceeded    EventKind = "step.succeeded"
	EventStepFailed       EventKind = "step.failed"
	EventNote             EventKind = "note"
)

// EventKinds lists the closed set of timeline event kinds.
var EventKinds = []EventKind{
	EventProposalCreated,
	EventProposalApproved,
	EventProposalRejected,
	EventMissionCreated,
	EventStepQueued,
	EventStepClaimed,
	EventStepSucceeded,
	EventStepFailed,
	EventNote,
}

type GateResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type Proposal struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"createdAt" format:"date-time"`
	Source       ProposalSource `json:"source" enum:"manual,trigger,reaction,api"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Project      string         `json:"project,omitempty"`
	TaskKey      string         `json:"taskKey,omitempty"`
	Status       ProposalStatus `json:"status" enum:"pending,approved,rejected"`
	Gate         GateResult     `json:"gate"`
	ApprovedAt   *time.Time     `json:"approvedAt,omitempty" format:"date-time"`
	RejectedAt   *time.Time     `json:"rejectedAt,omitempty" format:"date-time"`
	RejectReason string         `json:"rejectReason,omitempty"`
}

func (p Proposal) RecordID() string      { return p.ID }
func (p Proposal) RecordTime() time.Time { return p.CreatedAt }

type Mission struct {
	ID          string        `json:"id"`
	TS          time.Time     `json:"ts" format:"date-time"`
	ProposalID  string        `json:"proposalId"`
	Title       string        `json:"title"`
	Project     string        `json:"project,omitempty"`
	TaskKey     string        `json:"taskKey,omitempty"`
	Status      MissionStatus `json:"status" enum:"running,succeeded,failed"`
	CompletedAt *time.Time    `json:"completedAt,omitempty" format:"date-time"`
}

func (m Mission) RecordID() string      { return m.ID }
func (m Mission) RecordTime() time.Time { return m.TS }

type Step struct {
	ID          string     `json:"id"`
	TS          time.Time  `json:"ts" format:"date-time"`
	MissionID   string     `json:"missionId"`
	Kind        string     `json:"kind"`
	Title       string     `json:"title"`
	Details     string     `json:"details,omitempty"`
	Args        []string   `json:"args,omitempty"`
	Status      StepStatus `json:"status" enum:"queued,running,succeeded,failed"`
	ClaimedBy   string     `json:"claimedBy,omitempty"`
	ReservedAt  *time.Time `json:"reservedAt,omitempty" format:"date-time"`
	CompletedAt *time.Time `json:"completedAt,omitempty" format:"date-time"`
	LastError   string     `json:"lastError,omitempty"`
	Output      string     `json:"output,omitempty"`
}

func (s Step) RecordID() string      { return s.ID }
func (s Step) RecordTime() time.Time { return s.TS }

type Event struct {
	ID         string    `json:"id"`
	TS         time.Time `json:"ts" format:"date-time"`
	Kind       EventKind `json:"kind"`
	Title      string    `json:"title"`
	Details    string    `json:"details,omitempty"`
	ProposalID string    `json:"proposalId,omitempty"`
	MissionID  string    `json:"missionId,omitempty"`
	StepID     string    `json:"stepId,omitempty"`
	Project    string    `json:"project,omitempty"`
	TaskKey    string    `json:"taskKey,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

func (e Event) RecordID() string      { return e.ID }
func (e Event) RecordTime() time.Time { return e.TS }
