package storage

import (
	"context"
	"time"

	"cronbot/internal/job"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process maps
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// AuditEntry records a user action on jobs or chat settings.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	ChatID  int64
	JobID   string
	Action  string
	Detail  string
}

// Audit actions.
const (
	AuditJobCreate    = "job.create"
	AuditJobDelete    = "job.delete"
	AuditJobEdit      = "job.edit"
	AuditChatReset    = "chat.reset"
	AuditChatTZ       = "chat.tz"
	AuditChatRestrict = "chat.restrict"
	AuditWhitelist    = "whitelist"
)

// ShiftFunc recomputes one job during a chat-wide reschedule.
type ShiftFunc func(j job.Job) (job.Job, error)

// Store is the persistence API used by the scheduler, the conversation
// builder and the command handlers.
type Store interface {
	// Insert stores a new job without a quota check.
	Insert(ctx context.Context, j job.Job) error
	// InsertWithLimit counts the owner's non-terminal jobs and inserts j in
	// the same transaction. It returns job.ErrQuotaExceeded when the owner
	// already has limit or more.
	InsertWithLimit(ctx context.Context, j job.Job, limit int) error
	Get(ctx context.Context, id string) (job.Job, error)
	// Update rewrites the user-editable fields of j (name, payload,
	// recurrence, next run, status, restrict mode).
	Update(ctx context.Context, j job.Job) error
	Delete(ctx context.Context, id string) error

	// FindDue returns scheduled jobs with NextRunAt <= now, and dispatching
	// jobs claimed before staleBefore, ordered by NextRunAt.
	FindDue(ctx context.Context, now, staleBefore time.Time) ([]job.Job, error)
	// Claim moves a job from expect to dispatching. It returns
	// job.ErrClaimConflict when another claimer won or the job changed.
	Claim(ctx context.Context, id string, expect job.Status, now, staleBefore time.Time) error
	// Reconcile records the outcome of a firing. It only applies to a job
	// that is still dispatching.
	Reconcile(ctx context.Context, id string, status job.Status, next time.Time, attempts int, now time.Time) error

	CountActive(ctx context.Context, owner int64) (int, error)
	ListByChat(ctx context.Context, chatID int64) ([]job.Job, error)
	DeleteByChat(ctx context.Context, chatID int64) (int, error)

	// GetChatConfig reports ok=false when the chat has no stored settings.
	GetChatConfig(ctx context.Context, chatID int64) (cfg job.ChatConfig, ok bool, err error)
	// PutChatConfig upserts the settings and copies the restrict mode onto
	// the chat's jobs.
	PutChatConfig(ctx context.Context, cfg job.ChatConfig) error
	DeleteChatConfig(ctx context.Context, chatID int64) error
	// RescheduleChat stores cfg and applies shift to every scheduled job of
	// the chat in one transaction. It returns the number of jobs changed.
	RescheduleChat(ctx context.Context, cfg job.ChatConfig, shift ShiftFunc) (int, error)

	IsWhitelisted(ctx context.Context, userID int64) (bool, error)
	AddWhitelist(ctx context.Context, userID, addedBy int64, at time.Time) error
	RemoveWhitelist(ctx context.Context, userID int64) error
	ListWhitelist(ctx context.Context) ([]int64, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
