// Package messaging is the consumer-facing surface over the sync engine:
// one selected conversation at a time, typed subscriptions, and sends that
// never fail just because the network is down.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"

	"go.uber.org/zap"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/status"
	intsync "github.com/matheus3301/msync/internal/sync"
)

var (
	ErrNoGroupSelected = errors.New("no group selected")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrShutdown        = errors.New("messaging facade is shut down")
)

// Engine is what the facade needs from the sync engine.
type Engine interface {
	LoadGroups(ctx context.Context) ([]model.Group, error)
	OpenConversation(ctx context.Context, groupID int64) ([]model.Message, error)
	CloseConversation(ctx context.Context, groupID int64)
	Send(ctx context.Context, groupID int64, content string, opts intsync.SendOptions) (model.Message, error)
	Edit(ctx context.Context, groupID, id int64, content string) (model.Message, error)
	Delete(ctx context.Context, groupID, id int64) error
	Retry(ctx context.Context, id int64) error
	Discard(id int64) error
	SendTyping(ctx context.Context, groupID int64, typing bool) error
	Messages(groupID int64) []model.Message
	TypingUsers(groupID int64) []string
}

// Connection exposes the connection status.
type Connection interface {
	Current() status.ConnectionStatus
}

// selection is the live state of the selected conversation. Its bus
// subscriptions die with it.
type selection struct {
	groupID  int64
	messages *bus.Subscription
	typing   *bus.Subscription
	stop     chan struct{}
}

func (s *selection) close() {
	s.messages.Close()
	s.typing.Close()
	close(s.stop)
}

// Facade is safe for concurrent use.
type Facade struct {
	engine Engine
	conn   Connection
	bus    *bus.Bus
	logger *zap.Logger

	onMessages registry[intsync.MessagesChanged]
	onTyping   registry[intsync.TypingChanged]
	onStatus   registry[status.StatusChange]
	onDelivery registry[intsync.StatusChanged]

	mu       stdsync.Mutex
	sel      *selection
	subs     map[*Subscription]struct{}
	closed   bool
	global   []*bus.Subscription
	stopOnce stdsync.Once
	stop     chan struct{}
}

// New builds a facade and starts relaying connection and delivery events.
func New(engine Engine, conn Connection, b *bus.Bus, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Facade{
		engine: engine,
		conn:   conn,
		bus:    b,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
		stop:   make(chan struct{}),
	}
	connSub := b.Subscribe(bus.KindConnectionChanged, 64)
	deliverySub := b.Subscribe(bus.KindMessageStatus, 256)
	f.global = []*bus.Subscription{connSub, deliverySub}
	go func() {
		for {
			select {
			case evt := <-connSub.C:
				if sc, ok := evt.Payload.(status.StatusChange); ok {
					f.onStatus.emit(sc)
				}
			case evt := <-deliverySub.C:
				if sc, ok := evt.Payload.(intsync.StatusChanged); ok {
					f.onDelivery.emit(sc)
				}
			case <-f.stop:
				return
			}
		}
	}()
	return f
}

// LoadGroups returns the group list, from cache when the server is unreachable.
func (f *Facade) LoadGroups(ctx context.Context) ([]model.Group, error) {
	if f.isClosed() {
		return nil, ErrShutdown
	}
	return f.engine.LoadGroups(ctx)
}

// SelectGroup makes groupID the active conversation. The previous one's
// live subscription is torn down first. The returned messages are the
// cached view; the network view follows through OnMessages.
func (f *Facade) SelectGroup(ctx context.Context, groupID int64) ([]model.Message, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrShutdown
	}
	prev := f.sel
	if prev != nil && prev.groupID == groupID {
		f.mu.Unlock()
		return f.engine.OpenConversation(ctx, groupID)
	}
	f.sel = nil
	f.mu.Unlock()

	if prev != nil {
		prev.close()
		f.engine.CloseConversation(ctx, prev.groupID)
		f.logger.Debug("left conversation", zap.Int64("group_id", prev.groupID))
	}

	sel := f.watch(groupID)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		sel.close()
		return nil, ErrShutdown
	}
	f.sel = sel
	f.mu.Unlock()

	msgs, err := f.engine.OpenConversation(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	f.logger.Debug("selected conversation", zap.Int64("group_id", groupID))
	return msgs, nil
}

// watch subscribes to one conversation's view and typing events.
func (f *Facade) watch(groupID int64) *selection {
	sel := &selection{
		groupID:  groupID,
		messages: f.bus.Subscribe(bus.KindMessagesChanged, 64),
		typing:   f.bus.Subscribe(bus.KindTypingChanged, 64),
		stop:     make(chan struct{}),
	}
	go func() {
		for {
			select {
			case evt := <-sel.messages.C:
				if mc, ok := evt.Payload.(intsync.MessagesChanged); ok && mc.GroupID == groupID {
					f.onMessages.emit(mc)
				}
			case evt := <-sel.typing.C:
				if tc, ok := evt.Payload.(intsync.TypingChanged); ok && tc.GroupID == groupID {
					f.onTyping.emit(tc)
				}
			case <-sel.stop:
				return
			}
		}
	}()
	return sel
}

// SelectedGroup returns the active conversation, if any.
func (f *Facade) SelectedGroup() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sel == nil {
		return 0, false
	}
	return f.sel.groupID, true
}

func (f *Facade) selected() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrShutdown
	}
	if f.sel == nil {
		return 0, ErrNoGroupSelected
	}
	return f.sel.groupID, nil
}

// SendMessage posts to the selected group. Being offline is not an error:
// the message is queued and its outcome arrives through OnDelivery.
func (f *Facade) SendMessage(ctx context.Context, content string, opts intsync.SendOptions) (model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyContent
	}
	groupID, err := f.selected()
	if err != nil {
		return model.Message{}, err
	}
	return f.engine.Send(ctx, groupID, content, opts)
}

// EditMessage changes a message in the selected group.
func (f *Facade) EditMessage(ctx context.Context, id int64, content string) (model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyContent
	}
	groupID, err := f.selected()
	if err != nil {
		return model.Message{}, err
	}
	return f.engine.Edit(ctx, groupID, id, content)
}

// DeleteMessage removes a message from the selected group.
func (f *Facade) DeleteMessage(ctx context.Context, id int64) error {
	groupID, err := f.selected()
	if err != nil {
		return err
	}
	return f.engine.Delete(ctx, groupID, id)
}

func (f *Facade) SendTypingIndicator(ctx context.Context, typing bool) error {
	groupID, err := f.selected()
	if err != nil {
		return err
	}
	return f.engine.SendTyping(ctx, groupID, typing)
}

// RetryMessage requeues a failed message.
func (f *Facade) RetryMessage(ctx context.Context, id int64) error {
	if f.isClosed() {
		return ErrShutdown
	}
	return f.engine.Retry(ctx, id)
}

// DiscardMessage drops a failed or pending message.
func (f *Facade) DiscardMessage(id int64) error {
	if f.isClosed() {
		return ErrShutdown
	}
	return f.engine.Discard(id)
}

// Messages returns the selected conversation's view.
func (f *Facade) Messages() []model.Message {
	groupID, ok := f.SelectedGroup()
	if !ok {
		return nil
	}
	return f.engine.Messages(groupID)
}

func (f *Facade) TypingUsers() []string {
	groupID, ok := f.SelectedGroup()
	if !ok {
		return nil
	}
	return f.engine.TypingUsers(groupID)
}

func (f *Facade) ConnectionStatus() status.ConnectionStatus {
	return f.conn.Current()
}

// OnMessages calls fn with every view change of the selected conversation.
func (f *Facade) OnMessages(fn func(intsync.MessagesChanged)) *Subscription {
	id := f.onMessages.add(fn)
	return f.track(func() { f.onMessages.remove(id) })
}

// OnTyping calls fn when the selected conversation's typing set changes.
func (f *Facade) OnTyping(fn func(intsync.TypingChanged)) *Subscription {
	id := f.onTyping.add(fn)
	return f.track(func() { f.onTyping.remove(id) })
}

// OnStatus calls fn on connection state changes.
func (f *Facade) OnStatus(fn func(status.StatusChange)) *Subscription {
	id := f.onStatus.add(fn)
	return f.track(func() { f.onStatus.remove(id) })
}

// OnDelivery calls fn when any message's delivery status changes.
func (f *Facade) OnDelivery(fn func(intsync.StatusChanged)) *Subscription {
	id := f.onDelivery.add(fn)
	return f.track(func() { f.onDelivery.remove(id) })
}

func (f *Facade) track(cancel func()) *Subscription {
	s := &Subscription{}
	s.cancel = func() {
		cancel()
		f.mu.Lock()
		delete(f.subs, s)
		f.mu.Unlock()
	}
	f.mu.Lock()
	closed := f.closed
	if !closed {
		f.subs[s] = struct{}{}
	}
	f.mu.Unlock()
	if closed {
		s.Close()
	}
	return s
}

// Shutdown leaves the selected conversation and closes every subscription.
// Later calls return ErrShutdown.
func (f *Facade) Shutdown(ctx context.Context) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	sel := f.sel
	f.sel = nil
	subs := make([]*Subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	if sel != nil {
		sel.close()
		f.engine.CloseConversation(ctx, sel.groupID)
	}
	for _, s := range subs {
		s.Close()
	}
	for _, s := range f.global {
		s.Close()
	}
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *Facade) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
