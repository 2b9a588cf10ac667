package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cronbot/internal/storage"
	"cronbot/internal/transport/telegram/router"
)

func parseUserID(args []string) (int64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	return id, err == nil && id > 0
}

func (h *Handlers) whitelistAdd(ctx context.Context, req *router.Request) error {
	id, ok := parseUserID(req.Args)
	if !ok {
		return req.Reply(ctx, "Usage: /whitelist add <user id>")
	}
	if err := h.deps.Store.AddWhitelist(ctx, id, req.FromID, h.now()); err != nil {
		return h.fail(ctx, req, err)
	}
	h.audit(ctx, req, "", storage.AuditWhitelist, "add "+strconv.FormatInt(id, 10))
	return req.Reply(ctx, fmt.Sprintf("User %d can now use the bot.", id))
}

func (h *Handlers) whitelistRemove(ctx context.Context, req *router.Request) error {
	id, ok := parseUserID(req.Args)
	if !ok {
		return req.Reply(ctx, "Usage: /whitelist remove <user id>")
	}
	if err := h.deps.Store.RemoveWhitelist(ctx, id); err != nil {
		return h.fail(ctx, req, err)
	}
	h.audit(ctx, req, "", storage.AuditWhitelist, "remove "+strconv.FormatInt(id, 10))
	return req.Reply(ctx, fmt.Sprintf("User %d removed from the whitelist.", id))
}

func (h *Handlers) whitelistList(ctx context.Context, req *router.Request) error {
	ids, err := h.deps.Store.ListWhitelist(ctx)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	if len(ids) == 0 {
		return req.Reply(ctx, "The whitelist is empty.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Whitelisted users (%d):", len(ids))
	for _, id := range ids {
		fmt.Fprintf(&b, "\n• %d", id)
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) status(ctx context.Context, req *router.Request) error {
	var b strings.Builder
	now := h.now()
	if h.deps.Scheduler != nil {
		snap := h.deps.Scheduler.Snapshot()
		tz := snap.Timezone
		if tz == "" {
			tz = "UTC"
		}
		fmt.Fprintf(&b, "Scheduler: running=%v tz=%s\n", snap.Running, tz)
		for _, s := range snap.Schedules {
			fmt.Fprintf(&b, "• %s (%s) runs=%d skips=%d failures=%d", s.Name, s.Spec, s.Runs, s.Skips, s.Failures)
			if !s.Next.IsZero() {
				fmt.Fprintf(&b, " next in %s", s.Next.Sub(now).Round(time.Second))
			}
			if s.LastError != "" {
				fmt.Fprintf(&b, "\n  last error: %s", s.LastError)
			}
			b.WriteByte('\n')
		}
	}
	if sups := h.deps.Registry.Snapshot(); len(sups) > 0 {
		names := make([]string, 0, len(sups))
		for name := range sups {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("Workers:\n")
		for _, name := range names {
			snap := sups[name].Snapshot()
			fmt.Fprintf(&b, "• %s active=%d started=%d", name, snap.Counters.Active, snap.Counters.Started)
			if snap.FirstError != "" {
				fmt.Fprintf(&b, " error=%s", snap.FirstError)
			}
			b.WriteByte('\n')
		}
	}
	if conv := h.deps.Conv; conv != nil {
		fmt.Fprintf(&b, "Conversation timeout: %s\n", conv.Timeout())
	}
	fmt.Fprintf(&b, "Job limit per user: %d", h.deps.Quota.Limit())
	return req.Reply(ctx, b.String())
}
