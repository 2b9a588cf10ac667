package commands

import (
	"context"
	"sync/atomic"

	"cronbot/internal/job"
	"cronbot/internal/storage"
	kit "cronbot/internal/transport"
	"cronbot/internal/transport/telegram/router"

	"github.com/cockroachdb/errors"
)

var errForbidden = errors.New("forbidden")

func deny(hint string) error { return job.WithHint(errForbidden, hint) }

// Gatekeeper admits users listed in config or in the store whitelist.
// With both lists empty everyone is admitted. Owners are admitted by the
// router before the gate runs.
type Gatekeeper struct {
	store   storage.Store
	allowed atomic.Pointer[map[int64]struct{}]
}

var _ router.Gate = (*Gatekeeper)(nil)

func NewGatekeeper(store storage.Store, allowed []int64) *Gatekeeper {
	g := &Gatekeeper{store: store}
	g.SetAllowed(allowed)
	return g
}

func (g *Gatekeeper) SetAllowed(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	g.allowed.Store(&m)
}

func (g *Gatekeeper) Allow(ctx context.Context, userID int64) (bool, error) {
	allowed := *g.allowed.Load()
	if _, ok := allowed[userID]; ok {
		return true, nil
	}
	ok, err := g.store.IsWhitelisted(ctx, userID)
	if err != nil || ok {
		return ok, err
	}
	if len(allowed) > 0 {
		return false, nil
	}
	list, err := g.store.ListWhitelist(ctx)
	if err != nil {
		return false, err
	}
	return len(list) == 0, nil
}

func (h *Handlers) isAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if h.deps.Members == nil {
		return false, nil
	}
	role, err := h.deps.Members.MemberRole(ctx, chatID, userID)
	if err != nil {
		return false, err
	}
	return role.Admin(), nil
}

// canManage checks whether the sender may create or change jobs and
// settings in the current chat.
func (h *Handlers) canManage(ctx context.Context, req *router.Request, cfg job.ChatConfig) error {
	if req.Private || req.IsOwner() || cfg.RestrictMode != job.RestrictAdminsOnly {
		return nil
	}
	ok, err := h.isAdmin(ctx, req.Chat.ChatID, req.FromID)
	if err != nil {
		return err
	}
	if !ok {
		return deny("Only chat admins can do that here.")
	}
	return nil
}

// canSettle checks chat-wide settings: admins only once any restriction
// is on.
func (h *Handlers) canSettle(ctx context.Context, req *router.Request, cfg job.ChatConfig) error {
	if req.Private || req.IsOwner() || cfg.RestrictMode == job.RestrictNone {
		return nil
	}
	ok, err := h.isAdmin(ctx, req.Chat.ChatID, req.FromID)
	if err != nil {
		return err
	}
	if !ok {
		return deny("Only chat admins can change settings here.")
	}
	return nil
}

// canTouch checks edits and deletes of one job.
func (h *Handlers) canTouch(ctx context.Context, req *router.Request, cfg job.ChatConfig, j job.Job) error {
	if err := h.canManage(ctx, req, cfg); err != nil {
		return err
	}
	if req.IsOwner() || j.OwnerID == req.FromID {
		return nil
	}
	if cfg.RestrictMode == job.RestrictCreatorOnly {
		return deny("Only the job's creator can change it.")
	}
	return nil
}

// TargetPolicy lets a user schedule into another chat only when they are
// a member there, and an admin if that chat is admins-only.
type TargetPolicy struct {
	Store   storage.Store
	Members kit.MemberChecker
}

func (p TargetPolicy) CanTarget(ctx context.Context, userID, chatID int64) error {
	if p.Members == nil {
		return deny("Scheduling into other chats is not available.")
	}
	role, err := p.Members.MemberRole(ctx, chatID, userID)
	if err != nil {
		return job.WithHint(errors.Wrapf(err, "member lookup chat=%d", chatID), "I cannot see that chat. Add me there first.")
	}
	if role == kit.RoleNone {
		return deny("You are not a member of that chat.")
	}
	cfg, ok, err := p.Store.GetChatConfig(ctx, chatID)
	if err != nil {
		return err
	}
	if ok && cfg.RestrictMode == job.RestrictAdminsOnly && !role.Admin() {
		return deny("Only admins can schedule messages into that chat.")
	}
	return nil
}
