package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cronbot/internal/job"
	"cronbot/internal/recurrence"
	"cronbot/internal/storage"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
)

func isCancel(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "cancel" || t == "/cancel" || strings.HasPrefix(t, "/cancel@")
}

func (m *Manager) onTarget(ctx context.Context, s *session, in Input) Reply {
	text := strings.TrimSpace(in.Text)
	target := Target{ChatID: in.ChatID, ThreadID: in.ThreadID}
	switch {
	case strings.EqualFold(text, "here"):
	case text == "":
		return Reply{Text: promptTarget}
	default:
		id, err := strconv.ParseInt(text, 10, 64)
		if err != nil || id == 0 {
			return Reply{Text: "That is not a chat id.\n" + promptTarget}
		}
		if id != in.ChatID && m.deps.Targets != nil {
			if err := m.deps.Targets.CanTarget(ctx, s.st.OwnerID, id); err != nil {
				return Reply{Text: job.UserMessage(err) + "\n" + promptTarget}
			}
		}
		target = Target{ChatID: id}
	}

	tz, restrict := m.defTZ(), job.RestrictNone
	if m.deps.Chats != nil {
		cfg, ok, err := m.deps.Chats.GetChatConfig(ctx, target.ChatID)
		if err != nil {
			m.log.Warn("chat config lookup failed", logx.Int64("chat_id", target.ChatID), logx.Err(err))
		} else if ok {
			tz, restrict = cfg.TZOffset, cfg.RestrictMode
		}
	}
	s.st.Target = target
	s.st.TZOffset = tz
	s.st.Restrict = restrict
	s.st.Stage = StageAwaitingSchedule
	return Reply{Text: fmt.Sprintf("Times are in %s.\n%s", recurrence.FormatOffset(tz), promptSchedule(s.st.Multi, 0))}
}

func (m *Manager) onSchedule(s *session, in Input, now time.Time) Reply {
	text := strings.TrimSpace(in.Text)
	if s.st.Multi && strings.EqualFold(text, "done") {
		if len(s.st.Drafts) == 0 {
			return Reply{Text: "Add at least one message first.\n" + promptSchedule(true, 0)}
		}
		s.st.Stage = StageAwaitingConfirm
		return Reply{Text: summary(s.st), AskConfirm: true}
	}

	rec, err := recurrence.Parse(text, now, s.st.TZOffset)
	if err == nil {
		err = recurrence.Validate(rec)
	}
	if err == nil {
		if _, nerr := recurrence.NextFire(rec, now, s.st.TZOffset); nerr != nil {
			err = job.WithHint(errors.Wrap(job.ErrRecurrenceValidation, "schedule never fires"), "that time has already passed")
		}
	}
	if err != nil {
		return Reply{Text: job.UserMessage(err)}
	}
	s.st.Schedule = rec
	s.st.Stage = StageAwaitingPayload
	return Reply{Text: fmt.Sprintf("Schedule: %s.\n%s", recurrence.Describe(rec, s.st.TZOffset), promptPayload)}
}

func (m *Manager) onPayload(ctx context.Context, s *session, in Input, now time.Time) Reply {
	p, err := parsePayload(in)
	if err == nil {
		err = job.ValidatePayload(p)
	}
	if err != nil {
		return Reply{Text: job.UserMessage(err) + "\n" + promptPayload}
	}

	next, err := recurrence.NextFire(s.st.Schedule, now, s.st.TZOffset)
	if err != nil {
		s.st.Stage = StageAwaitingSchedule
		return Reply{Text: "That schedule has passed in the meantime.\n" + promptSchedule(s.st.Multi, len(s.st.Drafts))}
	}
	j := job.New(s.st.OwnerID, s.st.Target.ChatID, s.st.Target.ThreadID, p, s.st.Schedule, next, now)
	j.RestrictMode = s.st.Restrict
	s.st.Drafts = append(s.st.Drafts, j)
	s.st.Schedule = nil

	if !s.st.Multi {
		s.st.Stage = StageAwaitingConfirm
		return Reply{Text: summary(s.st), AskConfirm: true}
	}
	s.st.Stage = StageAwaitingSchedule
	msg := fmt.Sprintf("Draft %d saved.", len(s.st.Drafts))
	if left, err := m.deps.Quota.Remaining(ctx, s.st.OwnerID); err == nil && left >= 0 && len(s.st.Drafts) > left {
		msg += fmt.Sprintf(" You have room for %d more job(s); extra drafts will be rejected.", left)
	}
	return Reply{Text: msg + "\n" + promptSchedule(true, len(s.st.Drafts))}
}

func (m *Manager) onConfirm(ctx context.Context, s *session, in Input, now time.Time) Reply {
	switch t := strings.ToLower(strings.TrimSpace(in.Text)); {
	case in.Confirm || t == "yes" || t == "y" || t == "confirm":
	case t == "no" || t == "n":
		s.st.Stage = StageCancelled
		m.deps.Metrics.Conversation("cancelled")
		return Reply{Text: msgCancelled}
	default:
		return Reply{Text: "Reply yes to save or no to discard.", AskConfirm: true}
	}

	// A conversation replaced while waiting for confirmation saves nothing.
	if m.detach(s.st.ChatID, s) == nil {
		s.st.Stage = StageCancelled
		return Reply{Text: msgCancelled}
	}

	drafts := make([]job.Job, len(s.st.Drafts))
	for i, d := range s.st.Drafts {
		if !d.NextRunAt.After(now) {
			if next, err := recurrence.NextFire(d.Recurrence, now, s.st.TZOffset); err == nil {
				d.NextRunAt = next
			}
		}
		d.CreatedAt, d.UpdatedAt = now.UTC(), now.UTC()
		drafts[i] = d
	}

	// The reservation is released first so the durable check sees only
	// other conversations' slots.
	m.close(s)
	committed, rejected, err := m.deps.Quota.Commit(ctx, s.st.OwnerID, drafts)
	m.deps.Metrics.JobsCreated(len(committed))
	m.deps.Metrics.QuotaRejected(len(rejected))
	for _, j := range committed {
		m.audit(ctx, storage.AuditEntry{At: now, ActorID: j.OwnerID, ChatID: j.ChatID, JobID: j.ID, Action: storage.AuditJobCreate,
			Detail: recurrence.Describe(j.Recurrence, s.st.TZOffset)})
	}
	s.st.Stage = StageCommitted
	m.deps.Metrics.Conversation("committed")
	m.log.Info("jobs committed", logx.Int64("chat_id", s.st.ChatID), logx.Int64("owner_id", s.st.OwnerID),
		logx.Int("committed", len(committed)), logx.Int("rejected", len(rejected)))

	r := Reply{Text: commitReport(committed, rejected, s.st.TZOffset, err), Committed: committed, Rejected: rejected}
	if err != nil {
		m.log.Error("commit failed", logx.Int64("owner_id", s.st.OwnerID), logx.Err(err))
	}
	return r
}

// parsePayload reads a photo, a native poll, "poll: Question | A | B" or
// plain text.
func parsePayload(in Input) (job.Payload, error) {
	switch {
	case in.Photo != nil:
		return *in.Photo, nil
	case in.Poll != nil:
		return job.Poll{Question: in.Poll.Question, Options: append([]string(nil), in.Poll.Options...)}, nil
	}
	text := strings.TrimSpace(in.Text)
	if len(text) >= 5 && strings.EqualFold(text[:5], "poll:") {
		parts := strings.Split(text[5:], "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) < 1+job.MinPollOptions {
			return nil, job.WithHint(errors.Wrap(job.ErrInvalidPayload, "poll options"), "format: poll: Question | Option 1 | Option 2")
		}
		return job.Poll{Question: parts[0], Options: parts[1:]}, nil
	}
	return job.Text{Body: in.Text}, nil
}
