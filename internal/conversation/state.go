// Package conversation authors jobs through a per-chat, multi-step dialog:
// target, schedule, payload, confirm.
package conversation

import (
	"context"
	"time"

	"cronbot/internal/job"
	"cronbot/internal/quota"
	"cronbot/internal/storage"
)

type Stage string

const (
	StageIdle             Stage = "idle"
	StageAwaitingTarget   Stage = "awaiting_target"
	StageAwaitingSchedule Stage = "awaiting_schedule"
	StageAwaitingPayload  Stage = "awaiting_payload"
	StageAwaitingConfirm  Stage = "awaiting_confirm"
	StageCommitted        Stage = "committed"
	StageCancelled        Stage = "cancelled"
)

// Final reports whether the conversation is over.
func (s Stage) Final() bool { return s == StageCommitted || s == StageCancelled }

// Input is one inbound message routed to an active conversation.
type Input struct {
	ChatID   int64
	ThreadID int
	UserID   int64
	At       time.Time

	Text  string
	Photo *job.Photo
	Poll  *job.Poll
	// Confirm and Cancel come from inline buttons.
	Confirm bool
	Cancel  bool
}

// Reply is what the chat should be told. Handled is false when the input
// did not belong to a conversation.
type Reply struct {
	Handled bool
	Text    string
	Stage   Stage
	// AskConfirm asks the transport to attach confirm/cancel buttons.
	AskConfirm bool

	Committed []job.Job
	Rejected  []job.Job
}

// Target is where the authored jobs will be delivered.
type Target struct {
	ChatID   int64
	ThreadID int
}

// State is the draft held for one chat.
type State struct {
	Stage    Stage
	ChatID   int64
	ThreadID int
	OwnerID  int64
	Multi    bool

	Target   Target
	TZOffset float64
	Restrict job.RestrictMode

	// Schedule is the recurrence waiting for its payload.
	Schedule job.Recurrence
	Drafts   []job.Job

	StartedAt  time.Time
	LastActive time.Time
}

// Expired describes a conversation dropped by Sweep.
type Expired struct {
	ChatID   int64
	ThreadID int
	OwnerID  int64
	Stage    Stage
	Drafts   int
}

type Quota interface {
	Reserve(ctx context.Context, owner int64) (*quota.Reservation, error)
	Remaining(ctx context.Context, owner int64) (int, error)
	Commit(ctx context.Context, owner int64, jobs []job.Job) (committed, rejected []job.Job, err error)
}

type ChatConfigs interface {
	GetChatConfig(ctx context.Context, chatID int64) (job.ChatConfig, bool, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// TargetChecker verifies that user may schedule into another chat.
type TargetChecker interface {
	CanTarget(ctx context.Context, userID, chatID int64) error
}
