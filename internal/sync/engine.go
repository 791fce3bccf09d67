package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msync/internal/backend"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/clock"
	"github.com/matheus3301/msync/internal/config"
	"github.com/matheus3301/msync/internal/identity"
	"github.com/matheus3301/msync/internal/idgen"
	"github.com/matheus3301/msync/internal/metrics"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/status"
	"github.com/matheus3301/msync/internal/store"
)

// ErrStopped is returned for work requested after Stop.
var ErrStopped = errors.New("sync engine stopped")

// API is the slice of the REST backend the engine uses.
type API interface {
	ListGroups(ctx context.Context) ([]model.Group, error)
	CreateGroup(ctx context.Context, req backend.CreateGroupRequest) (model.Group, error)
	ListMessages(ctx context.Context, groupID int64, limit, offset int) ([]model.Message, error)
	SendMessage(ctx context.Context, groupID int64, req backend.SendMessageRequest) (model.Message, error)
	EditMessage(ctx context.Context, groupID, messageID int64, content string) (model.Message, error)
	DeleteMessage(ctx context.Context, groupID, messageID int64) error
}

// Transport is the slice of the realtime client the engine uses.
type Transport interface {
	Send(ctx context.Context, env realtime.Envelope) error
	SubscribeGroup(ctx context.Context, groupID int64) error
	UnsubscribeGroup(ctx context.Context, groupID int64) error
}

// Connection exposes the connection status.
type Connection interface {
	Current() status.ConnectionStatus
}

// Config tunes replay and reconciliation.
type Config struct {
	RetryCap          int
	ReconcileInterval time.Duration
	PageSize          int
	TypingTTL         time.Duration
	EchoWindow        time.Duration
}

// ConfigFrom converts the [sync] config section.
func ConfigFrom(c config.SyncConfig) Config {
	return Config{
		RetryCap:          c.RetryCap,
		ReconcileInterval: c.ReconcileInterval.Duration,
		PageSize:          c.PageSize,
		TypingTTL:         c.TypingTTL.Duration,
		EchoWindow:        c.EchoWindow.Duration,
	}
}

// Deps are the engine's collaborators. Store may be nil or unavailable, in
// which case the engine runs network-only with an in-memory queue.
type Deps struct {
	Store      *store.DB
	API        API
	Transport  Transport
	Connection Connection
	Bus        *bus.Bus
	Identity   identity.Provider
	IDs        *idgen.Generator
	Clock      clock.Clock
	Logger     *zap.Logger
	Config     Config
}

// Engine keeps the in-memory view of open conversations consistent with the
// durable store, the server and the realtime feed, and replays the queue.
type Engine struct {
	db     *store.DB
	queue  Queue
	api    API
	tr     Transport
	conn   Connection
	bus    *bus.Bus
	self   identity.Provider
	clk    clock.Clock
	logger *zap.Logger
	cfg    Config

	mu     stdsync.Mutex
	views  map[int64][]model.Message
	open   map[int64]bool
	typing *typingTracker

	flushMu    stdsync.Mutex
	flushReq   chan struct{}
	reconciler *Reconciler

	lifeMu  stdsync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      stdsync.WaitGroup
}

// NewEngine wires an engine. It does nothing until Start.
func NewEngine(d Deps) (*Engine, error) {
	if d.API == nil || d.Transport == nil || d.Connection == nil {
		return nil, errors.New("sync: API, Transport and Connection are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	if d.Identity == nil {
		d.Identity = identity.Static("")
	}
	cfg := d.Config
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 3
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 3 * time.Second
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = 10 * time.Second
	}

	var q Queue = d.Store
	if !d.Store.Available() {
		ids := d.IDs
		if ids == nil {
			var err error
			if ids, err = idgen.New(2); err != nil {
				return nil, err
			}
		}
		d.Logger.Warn("durable store unavailable, queue is memory-only")
		q = newMemQueue(ids)
	}

	e := &Engine{
		db:       d.Store,
		queue:    q,
		api:      d.API,
		tr:       d.Transport,
		conn:     d.Connection,
		bus:      d.Bus,
		self:     d.Identity,
		clk:      d.Clock,
		logger:   d.Logger,
		cfg:      cfg,
		views:    make(map[int64][]model.Message),
		open:     make(map[int64]bool),
		flushReq: make(chan struct{}, 1),
		ctx:      context.Background(),
	}
	e.typing = newTypingTracker(d.Clock, cfg.TypingTTL, e.publishTyping)
	e.reconciler = NewReconciler(e, d.Store, d.Clock, cfg.ReconcileInterval, d.Logger)
	return e, nil
}

// Start subscribes to connection and realtime events and starts the
// background flusher and the periodic reconciliation.
func (e *Engine) Start(ctx context.Context) {
	e.lifeMu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.lifeMu.Unlock()
	connSub := e.bus.Subscribe("connection.", 64)
	rtSub := e.bus.SubscribeLossless("realtime.", 256)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer connSub.Close()
		defer rtSub.Close()
		for {
			select {
			case evt := <-connSub.C:
				e.handleConnection(evt)
			case evt := <-rtSub.C:
				e.handleRealtime(evt)
			case <-e.ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.flushReq:
				e.Flush(e.ctx)
			case <-e.ctx.Done():
				return
			}
		}
	}()
	e.reconciler.Start(e.ctx)
}

// Stop halts background work. In-flight sends are cancelled, not counted
// against their retry budget.
func (e *Engine) Stop() {
	e.reconciler.Stop()
	e.typing.stop()
	e.lifeMu.Lock()
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	e.lifeMu.Unlock()
	e.wg.Wait()
}

// spawn runs fn on a tracked goroutine with the engine context. It reports
// false, running nothing, once Stop has begun.
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopped || e.ctx.Err() != nil {
		return false
	}
	ctx := e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
	return true
}

func (e *Engine) isStopped() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.stopped
}

// requestFlush asks the background flusher for a pass. Requests coalesce.
func (e *Engine) requestFlush() {
	select {
	case e.flushReq <- struct{}{}:
	default:
	}
}

func (e *Engine) connected() bool {
	return e.conn.Current().State == status.Connected
}

func (e *Engine) handleConnection(evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok || change.To != status.Connected || change.From == status.Connected {
		return
	}
	e.logger.Info("connected, replaying queue")
	e.requestFlush()

	e.mu.Lock()
	groups := make([]int64, 0, len(e.open))
	for id := range e.open {
		groups = append(groups, id)
	}
	e.mu.Unlock()
	for _, id := range groups {
		e.spawn(func(ctx context.Context) {
			if err := e.Refresh(ctx, id); err != nil {
				e.logger.Debug("refresh after reconnect failed", zap.Int64("group_id", id), zap.Error(err))
			}
		})
	}
}

// LoadGroups fetches the group list, falling back to the cached list when
// the server cannot be reached.
func (e *Engine) LoadGroups(ctx context.Context) ([]model.Group, error) {
	groups, err := e.api.ListGroups(ctx)
	if err != nil {
		cached, cerr := e.db.ListGroups()
		if cerr == nil && len(cached) > 0 {
			e.logger.Warn("list groups failed, serving cache", zap.Error(err))
			return cached, nil
		}
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if e.db.Available() {
		if err := e.db.UpsertGroups(groups); err != nil {
			e.logger.Error("failed to cache groups", zap.Error(err))
		} else if cached, err := e.db.ListGroups(); err == nil {
			groups = cached
		}
	}
	e.bus.Publish(bus.NewEvent(bus.KindGroupsChanged, GroupsChanged{Groups: groups}))
	return groups, nil
}

// CreateGroup creates a group on the server and adds it to the cached list.
// It needs a connection; nothing is queued.
func (e *Engine) CreateGroup(ctx context.Context, name, description string, memberIDs []string) (model.Group, error) {
	g, err := e.api.CreateGroup(ctx, backend.CreateGroupRequest{Name: name, Description: description, MemberIDs: memberIDs})
	if err != nil {
		return model.Group{}, fmt.Errorf("create group: %w", err)
	}
	if e.db.Available() {
		if err := e.db.UpsertGroups([]model.Group{g}); err != nil {
			e.logger.Error("failed to cache group", zap.Int64("group_id", g.ID), zap.Error(err))
		}
		e.publishGroups()
	}
	e.logger.Info("group created", zap.Int64("group_id", g.ID))
	return g, nil
}

// OpenConversation publishes the cached view of a group right away and
// then refreshes it from the server in the background.
func (e *Engine) OpenConversation(ctx context.Context, groupID int64) ([]model.Message, error) {
	if e.isStopped() {
		return nil, ErrStopped
	}
	cached, err := e.db.GetCachedMessages(groupID)
	if err != nil {
		e.logger.Error("failed to read cache", zap.Int64("group_id", groupID), zap.Error(err))
		cached = nil
	}
	local, err := e.queue.LocalMessages(groupID)
	if err != nil {
		e.logger.Error("failed to read queue", zap.Int64("group_id", groupID), zap.Error(err))
	}
	view, _ := Merge(cached, nil, local, e.cfg.EchoWindow)

	e.mu.Lock()
	e.views[groupID] = view
	e.open[groupID] = true
	snapshot := append([]model.Message(nil), view...)
	e.mu.Unlock()
	e.publishMessages(groupID, snapshot)

	if err := e.db.MarkGroupRead(groupID); err != nil && !errors.Is(err, store.ErrUnavailable) {
		e.logger.Debug("failed to reset unread", zap.Int64("group_id", groupID), zap.Error(err))
	}
	if err := e.tr.SubscribeGroup(ctx, groupID); err != nil {
		e.logger.Warn("live subscribe failed", zap.Int64("group_id", groupID), zap.Error(err))
	}

	e.spawn(func(ctx context.Context) {
		if err := e.Refresh(ctx, groupID); err != nil {
			e.logger.Debug("refresh failed, keeping cached view", zap.Int64("group_id", groupID), zap.Error(err))
		}
	})
	return snapshot, nil
}

// CloseConversation drops interest in a group's live events. Sends already
// in flight for it still complete and land in the store.
func (e *Engine) CloseConversation(ctx context.Context, groupID int64) {
	e.mu.Lock()
	delete(e.open, groupID)
	delete(e.views, groupID)
	e.mu.Unlock()
	e.typing.clear(groupID)
	if err := e.tr.UnsubscribeGroup(ctx, groupID); err != nil {
		e.logger.Debug("live unsubscribe failed", zap.Int64("group_id", groupID), zap.Error(err))
	}
}

// Refresh fetches the recent window of a group and merges it into the view
// and the cache.
func (e *Engine) Refresh(ctx context.Context, groupID int64) error {
	server, err := e.api.ListMessages(ctx, groupID, e.cfg.PageSize, 0)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	// Read under the lock so an entry Send has already shown is in local.
	e.mu.Lock()
	local, err := e.queue.LocalMessages(groupID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("read queue: %w", err)
	}
	base, isOpen := e.views[groupID]
	if !isOpen {
		base, _ = e.db.GetCachedMessages(groupID)
	}
	merged, matched := Merge(base, server, local, e.cfg.EchoWindow)
	if isOpen {
		e.views[groupID] = merged
	}
	snapshot := append([]model.Message(nil), merged...)
	e.mu.Unlock()

	for localID, m := range matched {
		e.settleEcho(localID, m)
	}
	if e.db.Available() {
		if err := e.db.CacheMessages(groupID, confirmedOnly(merged)); err != nil {
			e.logger.Error("failed to cache messages", zap.Int64("group_id", groupID), zap.Error(err))
		}
		if err := e.db.SetCheckpoint(checkpointKey(groupID), strconv.FormatInt(e.clk.Now().UnixMilli(), 10)); err != nil {
			e.logger.Error("failed to save checkpoint", zap.Int64("group_id", groupID), zap.Error(err))
		}
	}
	if isOpen {
		e.publishMessages(groupID, snapshot)
	}
	return nil
}

// settleEcho closes the queue entry localID once its server copy m has been
// seen, whether the entry was still pending or had already failed.
func (e *Engine) settleEcho(localID int64, m model.Message) {
	if err := e.queue.SettleEcho(localID, m.ID); err != nil {
		e.logger.Error("failed to settle echoed entry", zap.Int64("local_id", localID), zap.Error(err))
		return
	}
	e.publishStatus(StatusChanged{GroupID: m.GroupID, ID: m.ID, ClientMsgID: m.ClientMsgID, Status: model.StatusSent})
}

// queuedEcho finds the queue entry an inbound message echoes, for groups
// with no open view to match against.
func (e *Engine) queuedEcho(in model.Message, self string) *model.Message {
	local, err := e.queue.LocalMessages(in.GroupID)
	if err != nil {
		e.logger.Error("failed to read queue", zap.Int64("group_id", in.GroupID), zap.Error(err))
		return nil
	}
	msgs := make([]model.Message, len(local))
	for i, p := range local {
		msgs[i] = p.Message
	}
	if i := matchIncoming(msgs, in, self, e.cfg.EchoWindow); i >= 0 {
		metrics.IncDedup()
		return &msgs[i]
	}
	return nil
}

func checkpointKey(groupID int64) string {
	return "group." + strconv.FormatInt(groupID, 10) + ".synced_at"
}

// Messages returns the current view of a group.
func (e *Engine) Messages(groupID int64) []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Message(nil), e.views[groupID]...)
}

// TypingUsers returns who is typing in a group.
func (e *Engine) TypingUsers(groupID int64) []string {
	return e.typing.users(groupID)
}

// Search runs a full-text query over cached history.
func (e *Engine) Search(query string, groupID int64, limit int) ([]store.SearchResult, error) {
	return e.db.SearchCached(query, groupID, limit)
}

func (e *Engine) handleRealtime(evt bus.Event) {
	re, ok := evt.Payload.(realtime.Event)
	if !ok {
		return
	}
	switch evt.Kind {
	case realtime.KindMessageNew:
		if re.Message != nil {
			e.applyNew(*re.Message)
		}
	case realtime.KindMessageUpdated:
		if re.Message != nil {
			e.applyUpdate(*re.Message)
		}
	case realtime.KindMessageDeleted:
		if re.Message != nil {
			e.applyDelete(re.ConversationID, re.Message.ID)
		}
	case realtime.KindTyping:
		if re.Typing != nil && re.Typing.UserID != e.self.UserID() {
			e.typing.set(re.ConversationID, re.Typing.UserID, re.Typing.IsTyping)
		}
	case realtime.KindPresence:
		if re.Presence != nil {
			e.bus.Publish(bus.NewEvent(bus.KindPresenceChanged, PresenceChanged{
				UserID: re.Presence.UserID,
				Status: re.Presence.Status,
			}))
		}
	}
}

// applyNew merges an inbound message. An echo of something already in the
// view replaces that entry instead of adding a second copy.
func (e *Engine) applyNew(m model.Message) {
	if m.Status == "" {
		m.Status = model.StatusSent
	}
	self := e.self.UserID()

	e.mu.Lock()
	view, isOpen := e.views[m.GroupID]
	var settled *model.Message
	if isOpen {
		if i := matchIncoming(view, m, self, e.cfg.EchoWindow); i >= 0 {
			metrics.IncDedup()
			if view[i].IsLocal() {
				prev := view[i]
				settled = &prev
				if m.ClientMsgID == "" {
					m.ClientMsgID = prev.ClientMsgID
				}
			}
			view[i] = m
		} else {
			view = append(view, m)
		}
		model.SortMessages(view)
		e.views[m.GroupID] = view
	}
	var snapshot []model.Message
	if isOpen {
		snapshot = append([]model.Message(nil), view...)
	}
	e.mu.Unlock()

	if !isOpen {
		if settled = e.queuedEcho(m, self); settled != nil && m.ClientMsgID == "" {
			m.ClientMsgID = settled.ClientMsgID
		}
	}
	if settled != nil {
		// The server has the message: replaying it would duplicate it.
		e.settleEcho(settled.ID, m)
	}
	if e.db.Available() {
		if err := e.db.UpsertCachedMessage(m); err != nil {
			e.logger.Error("failed to cache inbound message", zap.Int64("group_id", m.GroupID), zap.Error(err))
		}
		unread := 0
		if !isOpen && m.SenderID != self {
			unread = 1
		}
		if err := e.db.TouchGroup(m.GroupID, preview(m.Content), m.CreatedAt, unread); err != nil {
			e.logger.Error("failed to touch group", zap.Int64("group_id", m.GroupID), zap.Error(err))
		}
	}
	if isOpen {
		e.typing.set(m.GroupID, m.SenderID, false)
		e.publishMessages(m.GroupID, snapshot)
	} else {
		e.publishGroups()
	}
}

func (e *Engine) applyUpdate(m model.Message) {
	if m.Status == "" {
		m.Status = model.StatusSent
	}
	e.mu.Lock()
	view, isOpen := e.views[m.GroupID]
	changed := false
	if i := indexOf(view, m.ID); i >= 0 {
		if m.ClientMsgID == "" {
			m.ClientMsgID = view[i].ClientMsgID
		}
		view[i] = m
		model.SortMessages(view)
		changed = true
	}
	snapshot := append([]model.Message(nil), view...)
	e.mu.Unlock()

	if e.db.Available() && !m.IsLocal() {
		if err := e.db.UpsertCachedMessage(m); err != nil {
			e.logger.Error("failed to cache edit", zap.Int64("group_id", m.GroupID), zap.Error(err))
		}
	}
	if isOpen && changed {
		e.publishMessages(m.GroupID, snapshot)
	}
}

func (e *Engine) applyDelete(groupID, id int64) {
	e.mu.Lock()
	view, isOpen := e.views[groupID]
	changed := false
	if i := indexOf(view, id); i >= 0 {
		view = append(view[:i], view[i+1:]...)
		e.views[groupID] = view
		changed = true
	}
	snapshot := append([]model.Message(nil), view...)
	e.mu.Unlock()

	if e.db.Available() {
		if err := e.db.RemoveCachedMessage(groupID, id); err != nil {
			e.logger.Error("failed to drop cached message", zap.Int64("group_id", groupID), zap.Error(err))
		}
	}
	if isOpen && changed {
		e.publishMessages(groupID, snapshot)
	}
}

// updateView applies fn to the open view of groupID and publishes the result.
func (e *Engine) updateView(groupID int64, fn func([]model.Message) []model.Message) {
	e.mu.Lock()
	view, isOpen := e.views[groupID]
	if !isOpen {
		e.mu.Unlock()
		return
	}
	view = fn(view)
	model.SortMessages(view)
	e.views[groupID] = view
	snapshot := append([]model.Message(nil), view...)
	e.mu.Unlock()
	e.publishMessages(groupID, snapshot)
}

func (e *Engine) publishMessages(groupID int64, msgs []model.Message) {
	e.bus.Publish(bus.NewEvent(bus.KindMessagesChanged, MessagesChanged{GroupID: groupID, Messages: msgs}))
}

func (e *Engine) publishGroups() {
	groups, err := e.db.ListGroups()
	if err != nil || len(groups) == 0 {
		return
	}
	e.bus.Publish(bus.NewEvent(bus.KindGroupsChanged, GroupsChanged{Groups: groups}))
}

func (e *Engine) publishTyping(groupID int64, users []string) {
	e.bus.Publish(bus.NewEvent(bus.KindTypingChanged, TypingChanged{GroupID: groupID, Users: users}))
}

func (e *Engine) publishStatus(sc StatusChanged) {
	e.bus.Publish(bus.NewEvent(bus.KindMessageStatus, sc))
}
