package sync

import (
	"context"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/matheus3301/msync/internal/backend"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/clock"
	"github.com/matheus3301/msync/internal/identity"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/status"
	"github.com/matheus3301/msync/internal/store"
)

const selfID = "me"

var errTimeout = errors.New("i/o timeout")

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeAPI records calls. Failures are scripted per content string so tests
// can fail one message and let others through.
type fakeAPI struct {
	clk *clock.Fake

	mu        stdsync.Mutex
	sends     []backend.SendMessageRequest
	failNext  map[string][]error
	failAll   error
	nextID    int64
	history   map[int64][]model.Message
	listErr   error
	listGate  chan struct{}
	groups    []model.Group
	groupsErr error
	edits     []string
	deletes   []int64
}

func newFakeAPI(clk *clock.Fake) *fakeAPI {
	return &fakeAPI{
		clk:      clk,
		failNext: make(map[string][]error),
		nextID:   1000,
		history:  make(map[int64][]model.Message),
	}
}

func (a *fakeAPI) ListGroups(ctx context.Context) ([]model.Group, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.groups, a.groupsErr
}

func (a *fakeAPI) CreateGroup(ctx context.Context, req backend.CreateGroupRequest) (model.Group, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.groupsErr != nil {
		return model.Group{}, a.groupsErr
	}
	g := model.Group{ID: int64(100 + len(a.groups)), Name: req.Name, Description: req.Description, MemberCount: len(req.MemberIDs) + 1}
	a.groups = append(a.groups, g)
	return g, nil
}

func (a *fakeAPI) ListMessages(ctx context.Context, groupID int64, limit, offset int) ([]model.Message, error) {
	a.mu.Lock()
	gate := a.listGate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]model.Message(nil), a.history[groupID]...), nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, groupID int64, req backend.SendMessageRequest) (model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, req)
	if errs := a.failNext[req.Content]; len(errs) > 0 {
		a.failNext[req.Content] = errs[1:]
		return model.Message{}, errs[0]
	}
	if a.failAll != nil {
		return model.Message{}, a.failAll
	}
	a.nextID++
	m := model.Message{
		ID:          a.nextID,
		GroupID:     groupID,
		SenderID:    selfID,
		Content:     req.Content,
		MessageType: model.TypeText,
		Status:      model.StatusSent,
		CreatedAt:   a.clk.Now(),
		ClientMsgID: req.ClientMsgID,
	}
	a.history[groupID] = append(a.history[groupID], m)
	return m, nil
}

func (a *fakeAPI) EditMessage(ctx context.Context, groupID, messageID int64, content string) (model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, content)
	return model.Message{}, nil
}

func (a *fakeAPI) DeleteMessage(ctx context.Context, groupID, messageID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletes = append(a.deletes, messageID)
	return nil
}

func (a *fakeAPI) sentContents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.sends))
	for _, s := range a.sends {
		out = append(out, s.Content)
	}
	return out
}

type fakeTransport struct {
	mu       stdsync.Mutex
	sent     []realtime.Envelope
	subs     map[int64]bool
	sendErr  error
	unsubbed []int64
}

func (f *fakeTransport) Send(ctx context.Context, env realtime.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) SubscribeGroup(ctx context.Context, groupID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int64]bool)
	}
	f.subs[groupID] = true
	return nil
}

func (f *fakeTransport) UnsubscribeGroup(ctx context.Context, groupID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, groupID)
	f.unsubbed = append(f.unsubbed, groupID)
	return nil
}

type fakeConn struct {
	mu    stdsync.Mutex
	state status.State
}

func (c *fakeConn) Current() status.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return status.ConnectionStatus{State: c.state}
}

func (c *fakeConn) set(s status.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

type harness struct {
	e   *Engine
	db  *store.DB
	api *fakeAPI
	tr  *fakeTransport
	cn  *fakeConn
	bus *bus.Bus
	clk *clock.Fake
}

func newHarness(t *testing.T, db *store.DB) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	h := &harness{
		db:  db,
		api: newFakeAPI(clk),
		tr:  &fakeTransport{},
		cn:  &fakeConn{state: status.Disconnected},
		bus: bus.New(),
		clk: clk,
	}
	e, err := NewEngine(Deps{
		Store:      db,
		API:        h.api,
		Transport:  h.tr,
		Connection: h.cn,
		Bus:        h.bus,
		Identity:   identity.Static(selfID),
		Clock:      clk,
		Config: Config{
			RetryCap:          3,
			ReconcileInterval: 30 * time.Second,
			PageSize:          50,
			TypingTTL:         3 * time.Second,
			EchoWindow:        10 * time.Second,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.e = e
	return h
}

// open opens a conversation and waits for its background refresh.
func (h *harness) open(t *testing.T, groupID int64) {
	t.Helper()
	if _, err := h.e.OpenConversation(context.Background(), groupID); err != nil {
		t.Fatal(err)
	}
	h.e.wg.Wait()
}

func msgAt(groupID, id int64, sender, content string, at time.Time) model.Message {
	return model.Message{
		ID: id, GroupID: groupID, SenderID: sender, Content: content,
		MessageType: model.TypeText, Status: model.StatusSent, CreatedAt: at,
	}
}

func contents(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func inbound(kind string, m model.Message) bus.Event {
	return bus.NewEvent(kind, realtime.Event{Kind: kind, ConversationID: m.GroupID, Message: &m})
}
