package messaging

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/status"
	intsync "github.com/matheus3301/msync/internal/sync"
)

type engineMock struct {
	mock.Mock
}

func (m *engineMock) LoadGroups(ctx context.Context) ([]model.Group, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Group), args.Error(1)
}

func (m *engineMock) OpenConversation(ctx context.Context, groupID int64) ([]model.Message, error) {
	args := m.Called(ctx, groupID)
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *engineMock) CloseConversation(ctx context.Context, groupID int64) {
	m.Called(ctx, groupID)
}

func (m *engineMock) Send(ctx context.Context, groupID int64, content string, opts intsync.SendOptions) (model.Message, error) {
	args := m.Called(ctx, groupID, content, opts)
	return args.Get(0).(model.Message), args.Error(1)
}

func (m *engineMock) Edit(ctx context.Context, groupID, id int64, content string) (model.Message, error) {
	args := m.Called(ctx, groupID, id, content)
	return args.Get(0).(model.Message), args.Error(1)
}

func (m *engineMock) Delete(ctx context.Context, groupID, id int64) error {
	return m.Called(ctx, groupID, id).Error(0)
}

func (m *engineMock) Retry(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *engineMock) Discard(id int64) error {
	return m.Called(id).Error(0)
}

func (m *engineMock) SendTyping(ctx context.Context, groupID int64, typing bool) error {
	return m.Called(ctx, groupID, typing).Error(0)
}

func (m *engineMock) Messages(groupID int64) []model.Message {
	return m.Called(groupID).Get(0).([]model.Message)
}

func (m *engineMock) TypingUsers(groupID int64) []string {
	return m.Called(groupID).Get(0).([]string)
}

type staticConn status.ConnectionStatus

func (c staticConn) Current() status.ConnectionStatus { return status.ConnectionStatus(c) }

func newFacade(t *testing.T) (*Facade, *engineMock, *bus.Bus) {
	t.Helper()
	eng := new(engineMock)
	b := bus.New()
	f := New(eng, staticConn{State: status.Disconnected}, b, nil)
	t.Cleanup(func() {
		eng.On("CloseConversation", mock.Anything, mock.Anything).Maybe()
		f.Shutdown(context.Background())
	})
	return f, eng, b
}

// collector gathers callback values from the dispatch goroutine.
type collector[T any] struct {
	mu  stdsync.Mutex
	got []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
}

func (c *collector[T]) values() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.got...)
}

func TestSendRequiresSelection(t *testing.T) {
	f, eng, _ := newFacade(t)
	ctx := context.Background()

	_, err := f.SendMessage(ctx, "hello", intsync.SendOptions{})
	require.ErrorIs(t, err, ErrNoGroupSelected)
	require.ErrorIs(t, f.SendTypingIndicator(ctx, true), ErrNoGroupSelected)
	require.ErrorIs(t, f.DeleteMessage(ctx, 3), ErrNoGroupSelected)

	_, err = f.SendMessage(ctx, "   ", intsync.SendOptions{})
	require.ErrorIs(t, err, ErrEmptyContent)

	assert.Nil(t, f.Messages())
	eng.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendWhileOfflineSucceeds(t *testing.T) {
	f, eng, _ := newFacade(t)
	ctx := context.Background()

	eng.On("OpenConversation", mock.Anything, int64(1)).Return([]model.Message{}, nil).Once()
	pending := model.Message{ID: -5, GroupID: 1, Content: "hello", Status: model.StatusPending}
	eng.On("Send", mock.Anything, int64(1), "hello", intsync.SendOptions{}).Return(pending, nil).Once()

	_, err := f.SelectGroup(ctx, 1)
	require.NoError(t, err)
	msg, err := f.SendMessage(ctx, "hello", intsync.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, msg.Status)
	assert.Equal(t, status.Disconnected, f.ConnectionStatus().State)
	eng.AssertExpectations(t)
}

func TestSelectGroupTearsDownPrevious(t *testing.T) {
	f, eng, b := newFacade(t)
	ctx := context.Background()

	var views collector[intsync.MessagesChanged]
	f.OnMessages(views.add)

	var order []string
	eng.On("OpenConversation", mock.Anything, int64(1)).Run(func(mock.Arguments) {
		order = append(order, "open 1")
		b.Publish(bus.NewEvent(bus.KindMessagesChanged, intsync.MessagesChanged{GroupID: 1}))
	}).Return([]model.Message{}, nil).Once()
	eng.On("CloseConversation", mock.Anything, int64(1)).Run(func(mock.Arguments) {
		order = append(order, "close 1")
	}).Once()
	eng.On("OpenConversation", mock.Anything, int64(2)).Run(func(mock.Arguments) {
		order = append(order, "open 2")
	}).Return([]model.Message{}, nil).Once()

	_, err := f.SelectGroup(ctx, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(views.values()) == 1 }, time.Second, 5*time.Millisecond)

	subsBefore := b.Len()
	_, err = f.SelectGroup(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"open 1", "close 1", "open 2"}, order)
	assert.Equal(t, subsBefore, b.Len(), "one live conversation subscription at a time")

	b.Publish(bus.NewEvent(bus.KindMessagesChanged, intsync.MessagesChanged{GroupID: 1}))
	b.Publish(bus.NewEvent(bus.KindMessagesChanged, intsync.MessagesChanged{GroupID: 2}))
	require.Eventually(t, func() bool { return len(views.values()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := views.values()
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[1].GroupID)

	id, ok := f.SelectedGroup()
	assert.True(t, ok)
	assert.Equal(t, int64(2), id)
	eng.AssertExpectations(t)
}

func TestSubscriptionsCloseIdempotently(t *testing.T) {
	f, _, b := newFacade(t)

	var changes collector[status.StatusChange]
	sub := f.OnStatus(changes.add)

	b.Publish(bus.NewEvent(bus.KindConnectionChanged, status.StatusChange{From: status.Disconnected, To: status.Connecting}))
	require.Eventually(t, func() bool { return len(changes.values()) == 1 }, time.Second, 5*time.Millisecond)

	sub.Close()
	sub.Close()
	b.Publish(bus.NewEvent(bus.KindConnectionChanged, status.StatusChange{From: status.Connecting, To: status.Connected}))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, changes.values(), 1)
}

func TestOnDeliveryAndTyping(t *testing.T) {
	f, eng, b := newFacade(t)
	eng.On("OpenConversation", mock.Anything, int64(4)).Return([]model.Message{}, nil).Once()
	_, err := f.SelectGroup(context.Background(), 4)
	require.NoError(t, err)

	var delivery collector[intsync.StatusChanged]
	var typing collector[intsync.TypingChanged]
	f.OnDelivery(delivery.add)
	f.OnTyping(typing.add)

	b.Publish(bus.NewEvent(bus.KindMessageStatus, intsync.StatusChanged{GroupID: 9, ID: -1, Status: model.StatusFailed, Retryable: true}))
	b.Publish(bus.NewEvent(bus.KindTypingChanged, intsync.TypingChanged{GroupID: 9, Users: []string{"bob"}}))
	b.Publish(bus.NewEvent(bus.KindTypingChanged, intsync.TypingChanged{GroupID: 4, Users: []string{"carol"}}))

	require.Eventually(t, func() bool {
		return len(delivery.values()) == 1 && len(typing.values()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, delivery.values()[0].Retryable, "delivery events are not filtered by selection")
	assert.Equal(t, []string{"carol"}, typing.values()[0].Users)
}

func TestShutdownClosesEverything(t *testing.T) {
	eng := new(engineMock)
	b := bus.New()
	f := New(eng, staticConn{}, b, nil)
	ctx := context.Background()

	eng.On("OpenConversation", mock.Anything, int64(1)).Return([]model.Message{}, nil).Once()
	eng.On("CloseConversation", mock.Anything, int64(1)).Once()
	_, err := f.SelectGroup(ctx, 1)
	require.NoError(t, err)
	sub := f.OnMessages(func(intsync.MessagesChanged) {})

	f.Shutdown(ctx)
	f.Shutdown(ctx)
	sub.Close()

	assert.Equal(t, 0, b.Len())
	_, err = f.SendMessage(ctx, "hi", intsync.SendOptions{})
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = f.SelectGroup(ctx, 2)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, f.RetryMessage(ctx, -1), ErrShutdown)
	eng.AssertExpectations(t)
}

func TestEditDeleteRetryDiscard(t *testing.T) {
	f, eng, _ := newFacade(t)
	ctx := context.Background()
	eng.On("OpenConversation", mock.Anything, int64(1)).Return([]model.Message{}, nil).Once()
	_, err := f.SelectGroup(ctx, 1)
	require.NoError(t, err)

	eng.On("Edit", mock.Anything, int64(1), int64(7), "fixed").Return(model.Message{ID: 7, Content: "fixed"}, nil).Once()
	eng.On("Delete", mock.Anything, int64(1), int64(7)).Return(nil).Once()
	eng.On("Retry", mock.Anything, int64(-3)).Return(nil).Once()
	eng.On("Discard", int64(-4)).Return(intsync.ErrNotFound).Once()
	eng.On("TypingUsers", int64(1)).Return([]string{"bob"}).Once()

	m, err := f.EditMessage(ctx, 7, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", m.Content)
	_, err = f.EditMessage(ctx, 7, "")
	assert.ErrorIs(t, err, ErrEmptyContent)
	require.NoError(t, f.DeleteMessage(ctx, 7))
	require.NoError(t, f.RetryMessage(ctx, -3))
	assert.ErrorIs(t, f.DiscardMessage(-4), intsync.ErrNotFound)
	assert.Equal(t, []string{"bob"}, f.TypingUsers())
	eng.AssertExpectations(t)
}
