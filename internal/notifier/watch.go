package notifier

import (
	"context"
	"fmt"

	"cronbot/internal/eventbus"
	"cronbot/internal/tick"
	kit "cronbot/internal/transport"
	logx "cronbot/pkg/logx"
)

// Watch turns job events from the tick scheduler into notices for the
// job's owner until ctx is done.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64, tick.EventDisabled, tick.EventMissed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n, ok := s.noticeFor(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && ctx.Err() == nil {
				s.log.Warn("owner notice not queued", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) noticeFor(ev eventbus.Event) (Notice, bool) {
	je, ok := ev.Data.(tick.JobEvent)
	if !ok || je.OwnerID == 0 {
		return Notice{}, false
	}
	s.mu.Lock()
	missed := s.cfg.NotifyMissed
	s.mu.Unlock()

	var text string
	switch ev.Type {
	case tick.EventDisabled:
		text = fmt.Sprintf("⛔ Job %s (%q) in chat %d was disabled: %s\nFix the chat and re-enable it with /edit %s schedule <schedule>.",
			short(je.JobID), je.Name, je.ChatID, reason(je.Error), short(je.JobID))
	case tick.EventMissed:
		if !missed {
			return Notice{}, false
		}
		text = fmt.Sprintf("⚠️ Job %s (%q) in chat %d could not be delivered after %d attempt(s): %s",
			short(je.JobID), je.Name, je.ChatID, je.Attempts, reason(je.Error))
	default:
		return Notice{}, false
	}
	// One notice per job and event kind within the dedup window.
	return Notice{
		Channel: ev.Type + ":" + je.JobID,
		To:      kit.ChatTarget{ChatID: je.OwnerID},
		Text:    text,
		Options: &kit.SendOptions{DisablePreview: true},
	}, true
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func reason(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}
