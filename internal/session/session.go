// Package session implements the reconciliation engine: a single-consumer
// command queue that applies inbound channel events and user intents to the
// conversation store. No two reconciliation steps run concurrently, so the
// store never sees interleaved writers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sverka/internal/creds"
	"sverka/internal/gateway"
	"sverka/internal/metrics"
	"sverka/internal/models"
	"sverka/internal/store"
	"sverka/internal/transport"
)

type State int

const (
	StateUnauthenticated State = iota
	StateConnecting
	StateLive
	StateRefreshing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateRefreshing:
		return "refreshing"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

type Level int

const (
	LevelInfo Level = iota
	LevelError
)

// Notice is a user-visible message for the presentation layer.
type Notice struct {
	Level Level
	Text  string
}

// Channel is the slice of transport.Channel the engine drives.
type Channel interface {
	Send(ev models.ClientEvent) error
	Close()
}

// DialFunc opens a streaming channel; swapped out in tests.
type DialFunc func(ctx context.Context, wsURL, token string, gen int, cb transport.Callbacks) (Channel, error)

// Gateway is the slice of gateway.Client the engine calls.
type Gateway interface {
	Login(ctx context.Context, req gateway.Credentials) (gateway.AuthResponse, error)
	Signup(ctx context.Context, req gateway.Credentials) (gateway.AuthResponse, error)
	SearchUser(ctx context.Context, username string) (gateway.SearchResult, error)
	AcceptFriend(ctx context.Context, username string) error
	RejectFriend(ctx context.Context, username string) error
	RemoveFriend(ctx context.Context, username string) error
	Refresh(ctx context.Context) error
}

// SearchStatus is the last user-search outcome, mirrored for the UI.
type SearchStatus struct {
	Username string
	Status   string
}

type Config struct {
	WSURL string
	Dial  DialFunc
	Now   func() time.Time
	// OnAuthenticated and OnTerminated let the caller persist or delete the
	// session snapshot outside the engine.
	OnAuthenticated func()
	OnTerminated    func()
}

type Engine struct {
	cfg     Config
	gw      Gateway
	creds   *creds.Store
	store   *store.Store
	metrics *metrics.Collector

	cmds    chan func()
	stopped chan struct{}
	updates chan struct{}
	notices chan Notice

	ctx context.Context

	// Mutated from the run goroutine only; snapshotted for readers.
	snap snapshot

	channel       Channel
	gen           int
	refreshedOnce bool
}

type snapshot struct {
	state  State
	active models.Key
	search *SearchStatus
}

func New(cfg Config, gw Gateway, cs *creds.Store, st *store.Store, mc *metrics.Collector) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, wsURL, token string, gen int, cb transport.Callbacks) (Channel, error) {
			return transport.Open(ctx, wsURL, token, gen, cb)
		}
	}
	e := &Engine{
		cfg:     cfg,
		gw:      gw,
		creds:   cs,
		store:   st,
		metrics: mc,
		cmds:    make(chan func(), 256),
		stopped: make(chan struct{}),
		updates: make(chan struct{}, 1),
		notices: make(chan Notice, 16),
	}
	return e
}

// Run consumes the command queue until the context is cancelled. All state
// transitions and store mutations happen on this goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			// Process shutdown, not a session failure: close the channel but
			// leave credentials and any persisted snapshot alone.
			if e.channel != nil {
				e.channel.Close()
				e.channel = nil
			}
			return ctx.Err()
		case cmd := <-e.cmds:
			cmd()
		}
	}
}

func (e *Engine) enqueue(cmd func()) {
	select {
	case e.cmds <- cmd:
	case <-e.stopped:
	}
}

// Updates signals that snapshots changed; buffered and coalescing.
func (e *Engine) Updates() <-chan struct{} { return e.updates }

// Notices carries user-visible errors and confirmations.
func (e *Engine) Notices() <-chan Notice { return e.notices }

func (e *Engine) State() State {
	var s State
	done := make(chan struct{})
	e.enqueue(func() { s = e.snap.state; close(done) })
	select {
	case <-done:
	case <-e.stopped:
	}
	return s
}

// --- Authentication intents ---

func (e *Engine) Login(username, password string) {
	e.authenticate(username, password, e.gw.Login)
}

func (e *Engine) Signup(username, password string) {
	e.authenticate(username, password, e.gw.Signup)
}

func (e *Engine) authenticate(username, password string, call func(context.Context, gateway.Credentials) (gateway.AuthResponse, error)) {
	e.enqueue(func() {
		if e.snap.state != StateUnauthenticated && e.snap.state != StateTerminated {
			return
		}
		go func() {
			_, err := call(e.ctx, gateway.Credentials{Username: username, Password: password})
			e.enqueue(func() {
				if err != nil {
					e.notify(LevelError, err.Error())
					return
				}
				if e.cfg.OnAuthenticated != nil {
					e.cfg.OnAuthenticated()
				}
				e.beginSession()
			})
		}()
	})
}

// Resume starts a session from a stored refresh token: one refresh, then
// the normal connect path.
func (e *Engine) Resume() {
	e.enqueue(func() {
		if e.snap.state != StateUnauthenticated && e.snap.state != StateTerminated {
			return
		}
		go func() {
			err := e.gw.Refresh(e.ctx)
			e.enqueue(func() {
				if err != nil {
					e.notify(LevelError, "session expired, please log in")
					e.teardown(StateUnauthenticated)
					return
				}
				if e.cfg.OnAuthenticated != nil {
					e.cfg.OnAuthenticated()
				}
				e.beginSession()
			})
		}()
	})
}

func (e *Engine) Logout() {
	e.enqueue(func() { e.teardown(StateUnauthenticated) })
}

func (e *Engine) beginSession() {
	pair, ok := e.creds.Get()
	if !ok {
		e.teardown(StateUnauthenticated)
		return
	}
	e.refreshedOnce = false
	e.gen++
	e.openChannel(e.gen, pair.Access)
}

// --- Channel lifecycle ---

func (e *Engine) openChannel(gen int, access string) {
	e.setState(StateConnecting)
	go func() {
		ch, err := e.cfg.Dial(e.ctx, e.cfg.WSURL, access, gen, transport.Callbacks{
			OnEvent: func(g int, ev models.ServerEvent) {
				e.enqueue(func() { e.handleEvent(g, ev) })
			},
			OnClose: func(g int, err error) {
				e.enqueue(func() { e.handleClosed(g, err) })
			},
		})
		e.enqueue(func() { e.handleOpened(gen, ch, err) })
	}()
}

func (e *Engine) handleOpened(gen int, ch Channel, err error) {
	if gen != e.gen || e.sessionOver() {
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			e.refreshOnce()
			return
		}
		e.notify(LevelError, "connection failed: "+err.Error())
		e.teardown(StateTerminated)
		return
	}
	e.channel = ch
	e.refreshedOnce = false
	e.setState(StateLive)
}

func (e *Engine) handleClosed(gen int, err error) {
	if gen != e.gen || e.sessionOver() {
		return
	}
	e.channel = nil
	if errors.Is(err, transport.ErrUnauthorized) {
		e.refreshOnce()
		return
	}
	e.notify(LevelError, "connection lost")
	e.teardown(StateTerminated)
}

// refreshOnce runs the credential refresh exactly once per disconnect; a
// second consecutive authorization failure terminates the session.
func (e *Engine) refreshOnce() {
	if e.refreshedOnce {
		e.notify(LevelError, "session expired, please log in")
		e.teardown(StateTerminated)
		return
	}
	e.refreshedOnce = true
	e.setState(StateRefreshing)
	go func() {
		err := e.gw.Refresh(e.ctx)
		e.enqueue(func() {
			if err != nil {
				if e.snap.state == StateRefreshing {
					e.notify(LevelError, "session expired, please log in")
					e.teardown(StateTerminated)
				}
				return
			}
			// The gateway's refresh hook has already queued the reopen.
			e.metrics.RecordRefresh()
		})
	}()
}

// ReplaceChannel is wired to the gateway's refresh hook: after any
// successful refresh the streaming channel is reopened with the new token
// at the same endpoint the session started with.
func (e *Engine) ReplaceChannel(access string) {
	e.enqueue(func() {
		if e.sessionOver() {
			return
		}
		e.metrics.RecordReconnect()
		if e.channel != nil {
			e.channel.Close()
			e.channel = nil
		}
		e.gen++
		e.openChannel(e.gen, access)
	})
}

func (e *Engine) teardown(next State) {
	if e.channel != nil {
		e.channel.Close()
		e.channel = nil
	}
	e.gen++
	e.creds.Clear()
	e.store.Clear()
	e.snap.active = models.Key{}
	e.snap.search = nil
	e.setState(next)
	if next == StateTerminated || next == StateUnauthenticated {
		if e.cfg.OnTerminated != nil {
			e.cfg.OnTerminated()
		}
	}
}

// --- Inbound events ---

// handleEvent applies one inbound event. The generation check is the guard
// against replaced channels; events may legitimately arrive while still
// Connecting (the bootstrap often beats the open acknowledgement through
// the queue).
func (e *Engine) handleEvent(gen int, ev models.ServerEvent) {
	if gen != e.gen || e.sessionOver() {
		return
	}
	e.metrics.RecordEvent(string(ev.Type))

	switch ev.Type {
	case models.EventFriendRequest:
		if ev.From != "" {
			e.store.AddPending(ev.From)
		}
	case models.EventFriendListUpdate:
		friends := make([]string, 0, len(ev.Friends))
		for _, f := range ev.Friends {
			friends = append(friends, f.FriendUsername)
		}
		e.store.SetFriends(friends)
	case models.EventMessage:
		e.applyMessage(ev)
	case models.EventAllMessages:
		e.store.ReplaceAll(ev.History)
		if _, ok := e.store.Get(e.snap.active); !ok {
			e.snap.active = models.Key{}
		}
	default:
		slog.Debug("ignoring unknown event", "type", ev.Type)
	}
	e.signal()
}

func (e *Engine) applyMessage(ev models.ServerEvent) {
	if ev.Convo == nil || ev.Message == nil {
		return
	}
	conv := ev.Convo.Conversation()

	key, promoted := e.store.Promote(conv, ev.Message.CreatedAt)
	if promoted {
		e.metrics.RecordPromotion()
	}
	replaced, err := e.store.Append(key, *ev.Message)
	if err != nil {
		return
	}
	if replaced {
		e.metrics.RecordDedupReplaced()
	}

	// Follow the active thread through a promotion: if the key the user was
	// looking at has been migrated away, point at its confirmed successor.
	if !e.snap.active.IsZero() {
		if _, ok := e.store.Get(e.snap.active); !ok {
			e.snap.active = key
		}
	}
}

// --- Conversation intents ---

// SendMessage optimistically appends to the active conversation and emits
// the outbound event. An empty conversation id tells the backend to create
// the conversation.
func (e *Engine) SendMessage(content string) {
	e.enqueue(func() { e.sendMessage(content) })
}

func (e *Engine) sendMessage(content string) {
	if content == "" || e.snap.active.IsZero() {
		return
	}
	conv, ok := e.store.Get(e.snap.active)
	if !ok {
		return
	}
	if e.snap.state != StateLive || e.channel == nil {
		e.metrics.RecordDroppedSend()
		e.notify(LevelError, "not connected: message not sent")
		return
	}

	self := e.creds.Identity()
	msg := models.Message{SenderUsername: self, Content: content, CreatedAt: e.cfg.Now()}
	if _, err := e.store.Append(conv.Key, msg); err != nil {
		return
	}

	convoID := conv.Key.ID
	if conv.Key.Provisional() {
		convoID = ""
	}
	err := e.channel.Send(models.ClientEvent{
		Type:           models.EventMessage,
		From:           self,
		ConvoID:        convoID,
		GroupName:      conv.Name,
		Members:        excluding(conv.Participants, self),
		MessageContent: content,
	})
	if err != nil {
		e.metrics.RecordDroppedSend()
		e.notify(LevelError, "not connected: message not sent")
		return
	}
	e.metrics.RecordSend()
	e.signal()
}

// OpenConversation selects an existing thread as the active one.
func (e *Engine) OpenConversation(key models.Key) {
	e.enqueue(func() {
		if _, ok := e.store.Get(key); ok {
			e.snap.active = key
			e.signal()
		}
	})
}

// OpenChatWith opens the direct thread with a friend, reusing an existing
// two-party conversation or minting a provisional one.
func (e *Engine) OpenChatWith(friend string) {
	e.enqueue(func() {
		self := e.creds.Identity()
		conv := e.store.OpenProvisional([]string{self, friend}, "", e.cfg.Now())
		e.snap.active = conv.Key
		e.signal()
	})
}

// CreateGroup asks the backend to create a group conversation. The first
// message doubles as the creation announcement; the confirmed conversation
// arrives back as a message event.
func (e *Engine) CreateGroup(name string, members []string) {
	e.enqueue(func() {
		if name == "" || len(members) == 0 {
			e.notify(LevelError, "group needs a name and members")
			return
		}
		if e.snap.state != StateLive || e.channel == nil {
			e.notify(LevelError, "not connected")
			return
		}
		self := e.creds.Identity()
		err := e.channel.Send(models.ClientEvent{
			Type:           models.EventMessage,
			From:           self,
			GroupName:      name,
			Members:        members,
			MessageContent: fmt.Sprintf("%s created the group chat %s", self, name),
		})
		if err != nil {
			e.notify(LevelError, "not connected")
			return
		}
		e.metrics.RecordSend()
	})
}

// --- Friend intents ---

func (e *Engine) SearchUser(username string) {
	e.enqueue(func() {
		if username == "" || username == e.creds.Identity() {
			e.notify(LevelError, "invalid username")
			return
		}
		go func() {
			res, err := e.gw.SearchUser(e.ctx, username)
			e.enqueue(func() {
				if err != nil {
					e.snap.search = nil
					e.restFailure("search failed", err)
					return
				}
				e.snap.search = &SearchStatus{Username: res.Receiver.Username, Status: res.Message}
				e.signal()
			})
		}()
	})
}

func (e *Engine) SendFriendRequest(to string) {
	e.enqueue(func() {
		if e.snap.state != StateLive || e.channel == nil {
			e.notify(LevelError, "not connected")
			return
		}
		if err := e.channel.Send(models.ClientEvent{Type: models.EventFriendRequest, To: to}); err != nil {
			e.notify(LevelError, "not connected")
			return
		}
		if e.snap.search != nil && e.snap.search.Username == to {
			e.snap.search = &SearchStatus{Username: to, Status: "pending"}
		}
		e.signal()
	})
}

// AcceptRequest mutates locally first, confirms over REST, then asks the
// backend to push a fresh friend list.
func (e *Engine) AcceptRequest(from string) {
	e.enqueue(func() {
		e.store.RemovePending(from)
		e.store.AddFriend(from)
		e.signal()
		go func() {
			err := e.gw.AcceptFriend(e.ctx, from)
			e.enqueue(func() {
				if err != nil {
					e.restFailure("failed to accept request", err)
					return
				}
				e.requestFriendList()
			})
		}()
	})
}

func (e *Engine) RejectRequest(from string) {
	e.enqueue(func() {
		e.store.RemovePending(from)
		e.signal()
		go func() {
			err := e.gw.RejectFriend(e.ctx, from)
			e.enqueue(func() {
				if err != nil {
					e.restFailure("failed to reject request", err)
				}
			})
		}()
	})
}

// RemoveFriend removes optimistically and restores the entry if the
// backend call fails.
func (e *Engine) RemoveFriend(friend string) {
	e.enqueue(func() {
		e.store.RemoveFriend(friend)
		e.signal()
		go func() {
			err := e.gw.RemoveFriend(e.ctx, friend)
			e.enqueue(func() {
				if err != nil {
					e.store.AddFriend(friend)
					e.signal()
					e.restFailure("failed to remove friend", err)
					return
				}
				e.requestFriendList()
			})
		}()
	})
}

func (e *Engine) requestFriendList() {
	if e.snap.state != StateLive || e.channel == nil {
		return
	}
	_ = e.channel.Send(models.ClientEvent{Type: models.EventFriendListUpdate})
}

// --- Snapshots ---

// Snapshot is a read-only view for the presentation layer.
type Snapshot struct {
	State         State
	Identity      string
	Friends       []string
	Pending       []string
	Conversations []models.Conversation
	Active        models.Key
	ActiveThread  []models.Message
	Search        *SearchStatus
}

func (e *Engine) Snapshot() Snapshot {
	var snap Snapshot
	done := make(chan struct{})
	e.enqueue(func() {
		snap = Snapshot{
			State:         e.snap.state,
			Identity:      e.creds.Identity(),
			Friends:       e.store.Friends(),
			Pending:       e.store.Pending(),
			Conversations: e.store.Conversations(),
			Active:        e.snap.active,
			Search:        e.snap.search,
		}
		if !e.snap.active.IsZero() {
			snap.ActiveThread = e.store.Messages(e.snap.active)
		}
		close(done)
	})
	select {
	case <-done:
	case <-e.stopped:
	}
	return snap
}

// --- Helpers ---

// restFailure surfaces a request error; an expired session is terminal, the
// retry already happened inside the gateway.
func (e *Engine) restFailure(context string, err error) {
	if errors.Is(err, gateway.ErrSessionExpired) {
		if !e.sessionOver() {
			e.notify(LevelError, "session expired, please log in")
			e.teardown(StateTerminated)
		}
		return
	}
	e.notify(LevelError, context+": "+err.Error())
}

func (e *Engine) sessionOver() bool {
	return e.snap.state == StateTerminated || e.snap.state == StateUnauthenticated
}

func (e *Engine) setState(s State) {
	if e.snap.state == s {
		return
	}
	slog.Debug("session state", "from", e.snap.state, "to", s)
	e.snap.state = s
	e.signal()
}

func (e *Engine) notify(level Level, text string) {
	select {
	case e.notices <- Notice{Level: level, Text: text}:
	default:
	}
	e.signal()
}

func (e *Engine) signal() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

func excluding(participants []string, self string) []string {
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != self {
			out = append(out, p)
		}
	}
	return out
}
