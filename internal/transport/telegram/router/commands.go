package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"cronbot/internal/observability"
	rtsup "cronbot/internal/runtime/supervisor"
	kit "cronbot/internal/transport"
	logx "cronbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g.:
	//   "list"
	//   "whitelist add"
	Route       string
	Aliases     []string // root-level aliases, e.g. ["whitelist_add", "wa"]
	Description string
	Usage       string
	Access      Access
	// Hidden commands are routed but left out of help and the menu.
	Hidden bool

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackAccess controls who can trigger an inline-button callback.
// Default is owner-only.
type CallbackAccess int

const (
	CallbackAccessOwnerOnly CallbackAccess = iota
	CallbackAccessEveryone
)

// CallbackRoute handles callback data of the form "scope:action:payload".
type CallbackRoute struct {
	Scope       string
	Action      string
	Description string
	Access      CallbackAccess
	Timeout     time.Duration
	Handle      CallbackHandlerFunc
}

// Gate decides whether a non-owner user may talk to the bot at all.
type Gate interface {
	Allow(ctx context.Context, userID int64) (bool, error)
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Private bool
	Path    []string // matched command path tokens (for message updates)
	Command string   // convenience (route or callback key)
	Args    []string
	// Rest is the untokenized text after the matched path.
	Rest    string
	Payload string // callback payload (raw string)

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
	Owners  []int64
}

func (r *Request) IsOwner() bool { return isOwner(r.FromID, r.Owners) }

// Reply sends plain text to the request's chat and topic.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends HTML text with optional adapter markup.
func (r *Request) ReplyHTML(ctx context.Context, text string, markup any) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML", ReplyMarkupAdapter: markup})
	return err
}

// Options tune the dispatcher.
type Options struct {
	// Workers defaults to NumCPU, at least 2.
	Workers   int
	QueueSize int
	// BotName is the bot's username; commands addressed to other bots are ignored.
	BotName  string
	Gate     Gate
	Registry *SupervisorRegistry
	Metrics  *observability.Metrics
}

type CommandManager struct {
	mu sync.RWMutex

	root     *cmdNode
	alias    map[string]*cmdNode // alias -> leaf node
	fallback HandlerFunc

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute // scope -> action -> route

	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	opt     Options

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// queues are per worker; a chat always maps to the same worker so its
	// updates are handled in arrival order.
	queues []chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = max(runtime.NumCPU(), 2)
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 64
	}
	queues := make([]chan func(), opt.Workers)
	for i := range queues {
		queues[i] = make(chan func(), opt.QueueSize)
	}
	return &CommandManager{
		root:      newRoot(),
		alias:     map[string]*cmdNode{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		opt:       opt,
		owners:    append([]int64(nil), owners...),
		queues:    queues,
	}
}

// Supervisor returns the worker pool's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

func (m *CommandManager) queueFor(chatID int64) chan func() {
	idx := chatID % int64(len(m.queues))
	if idx < 0 {
		idx = -idx
	}
	return m.queues[idx]
}

// tryEnqueue is a panic-safe enqueue helper (handles a closed queue).
func (m *CommandManager) tryEnqueue(chatID int64, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.queueFor(chatID) <- fn:
		return true
	default:
		m.opt.Metrics.UpdateDropped()
		return false
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	ownCopy := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = ownCopy
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetFallback installs the handler for messages that are not commands.
func (m *CommandManager) SetFallback(h HandlerFunc) {
	m.mu.Lock()
	m.fallback = h
	m.mu.Unlock()
}

func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args, req.IsOwner()), nil)
		},
	}
	cmds = append(cmds, helper)

	root := newRoot()
	alias := map[string]*cmdNode{}
	menuCandidates := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		cc := c
		root.add(route, cc)
		if !cc.Hidden {
			menuCandidates = append(menuCandidates, cc)
		}

		leaf := root.find(route)
		// Multi-token routes get a Telegram-safe alias ("whitelist add" ->
		// "whitelist_add"). The base token itself is never aliased or
		// subcommand traversal would stop there.
		if menu, ok := routeMenuName(route); ok {
			if len(route) > 1 || menu != route[0] {
				if _, exists := alias[menu]; !exists {
					alias[menu] = leaf
				}
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := menuName(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		s := strings.TrimSpace(r.Scope)
		a := strings.TrimSpace(r.Action)
		if s == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = r
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenu(root, menuCandidates)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.opt.Registry.Set("telegram.router", sup)
	m.log.Info("command dispatcher started", logx.Int("workers", len(m.queues)), logx.Int("queue_cap", m.opt.QueueSize))

	for i, q := range m.queues {
		idx, q := i, q
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-q:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.opt.Registry.Delete("telegram.router")
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(root, up)
	case kit.UpdateCallback:
		m.routeCallback(root, up)
	}
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil || msg.FromID == 0 {
		return
	}
	word, bot, rest := splitCommand(msg.Text)
	if msg.Photo != nil || msg.Poll != nil {
		word = ""
	}
	if word == "" {
		m.mu.RLock()
		fb := m.fallback
		m.mu.RUnlock()
		if fb != nil {
			m.enqueue(root, up, Command{Route: "message", Handle: fb}, nil, nil, rest)
		}
		return
	}
	if bot != "" && m.opt.BotName != "" && !strings.EqualFold(bot, m.opt.BotName) {
		return
	}

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	args := tokenizeCommandLine(rest)

	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		m.enqueue(root, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args, rest)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		if !msg.IsPrivate {
			return
		}
		m.enqueue(root, up, Command{Route: word, Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "Unknown command. Try /help")
		}}, []string{word}, nil, rest)
		return
	}
	path := []string{word}
	for len(args) > 0 {
		nxt := strings.ToLower(args[0])
		if strings.HasPrefix(nxt, "-") {
			break
		}
		child, ok := cur.child(nxt)
		if !ok {
			break
		}
		cur = child
		path = append(path, nxt)
		args = args[1:]
		rest = dropFirstField(rest)
	}

	if cur.cmd == nil {
		full := path
		m.enqueue(root, up, Command{Route: strings.Join(path, " "), Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(full, req.IsOwner()), nil)
		}}, path, nil, rest)
		return
	}
	m.enqueue(root, up, *cur.cmd, path, args, rest)
}

func (m *CommandManager) newRequest(up kit.Update, chat kit.ChatTarget, from int64, private bool, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Private: private,
		Command: command,
		ReqID:   rid,
		Adapter: m.adapter,
		Owners:  m.ownersSnapshot(),
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int("thread_id", chat.ThreadID),
			logx.Int64("from_id", from),
			logx.String("cmd", command),
		),
	}
}

func (m *CommandManager) enqueue(root context.Context, up kit.Update, cmd Command, path, raw []string, rest string) {
	msg := up.Message
	req := m.newRequest(up, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, msg.FromID, msg.IsPrivate, cmd.Route)
	pos, flags, bools := parseFlags(raw)
	req.Path = path
	req.Args = pos
	req.RawArgs = raw
	req.Rest = rest
	req.Flags = flags
	req.BoolFlags = bools

	h := cmd.Handle
	if cmd.Access == AccessOwnerOnly {
		h = func(ctx context.Context, req *Request) error {
			if !req.IsOwner() {
				return req.Reply(ctx, "This command is for bot owners only.")
			}
			return cmd.Handle(ctx, req)
		}
	}
	final := m.pipeline(h, cmd.Timeout)
	if !m.tryEnqueue(msg.ChatID, func() { _ = final(root, req) }) {
		m.log.Warn("command queue full", logx.Int64("chat_id", msg.ChatID))
	}
}

func (m *CommandManager) routeCallback(root context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	scope, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.cbMu.RLock()
	route, ok := m.callbacks[scope][action]
	m.cbMu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	req := m.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, cb.IsPrivate, "cb:"+scope+":"+action)
	req.Payload = payload
	if route.Access == CallbackAccessOwnerOnly && !req.IsOwner() {
		_ = m.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}

	final := m.pipeline(func(ctx context.Context, r *Request) error {
		return route.Handle(ctx, r, payload)
	}, route.Timeout)
	if !m.tryEnqueue(cb.ChatID, func() {
		_ = final(root, req)
		// stop the client's loading spinner
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
