package sync

import (
	"sort"
	stdsync "sync"
	"time"

	"github.com/matheus3301/msync/internal/idgen"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/store"
)

// Queue is the outgoing message queue. *store.DB is the durable
// implementation; memQueue stands in when the store could not be opened.
type Queue interface {
	QueueMessage(d *model.Draft) (int64, error)
	GetPendingMessages() ([]model.PendingMessage, error)
	LocalMessages(groupID int64) ([]model.PendingMessage, error)
	GetPendingMessage(id int64) (*model.PendingMessage, error)
	MarkMessageSent(id, serverID int64) error
	SettleEcho(id, serverID int64) error
	MarkMessageFailed(id int64, errMsg string) error
	IncrementRetry(id int64, errMsg string) (int, error)
	RequeueMessage(id int64) error
	UpdatePendingContent(id int64, content string) error
	DiscardMessage(id int64) error
}

// memQueue keeps the queue in memory. Entries do not survive a restart.
type memQueue struct {
	ids *idgen.Generator

	mu      stdsync.Mutex
	entries map[int64]*model.PendingMessage
}

func newMemQueue(ids *idgen.Generator) *memQueue {
	return &memQueue{ids: ids, entries: make(map[int64]*model.PendingMessage)}
}

func (q *memQueue) QueueMessage(d *model.Draft) (int64, error) {
	id, err := q.ids.NextTempID()
	if err != nil {
		return 0, err
	}
	if d.ClientMsgID == "" {
		d.ClientMsgID = idgen.NewCorrelationID()
	}
	if d.MessageType == "" {
		d.MessageType = model.TypeText
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[id] = &model.PendingMessage{
		Message: model.Message{
			ID:          id,
			GroupID:     d.GroupID,
			SenderID:    d.SenderID,
			Content:     d.Content,
			MessageType: d.MessageType,
			Status:      model.StatusPending,
			CreatedAt:   d.CreatedAt,
			ReplyToID:   d.ReplyToID,
			ClientMsgID: d.ClientMsgID,
		},
		State: model.QueuePending,
	}
	return id, nil
}

func (q *memQueue) filter(keep func(*model.PendingMessage) bool) []model.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []model.PendingMessage{}
	for _, p := range q.entries {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Message, out[j].Message
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (q *memQueue) GetPendingMessages() ([]model.PendingMessage, error) {
	return q.filter(func(p *model.PendingMessage) bool { return p.State == model.QueuePending }), nil
}

func (q *memQueue) LocalMessages(groupID int64) ([]model.PendingMessage, error) {
	return q.filter(func(p *model.PendingMessage) bool {
		return p.Message.GroupID == groupID && p.State != model.QueueSent
	}), nil
}

func (q *memQueue) GetPendingMessage(id int64) (*model.PendingMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (q *memQueue) MarkMessageSent(id, _ int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.entries[id]; ok && p.State == model.QueuePending {
		// Nothing reads sent entries back, so drop them right away.
		delete(q.entries, id)
	}
	return nil
}

func (q *memQueue) SettleEcho(id, _ int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.entries[id]; ok && p.State != model.QueueSent {
		delete(q.entries, id)
	}
	return nil
}

func (q *memQueue) MarkMessageFailed(id int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.entries[id]; ok && p.State == model.QueuePending {
		p.State = model.QueueFailed
		p.Message.Status = model.StatusFailed
		p.LastError = errMsg
	}
	return nil
}

func (q *memQueue) IncrementRetry(id int64, errMsg string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.entries[id]
	if !ok || p.State != model.QueuePending {
		return 0, store.ErrNotFound
	}
	p.RetryCount++
	p.LastError = errMsg
	return p.RetryCount, nil
}

func (q *memQueue) RequeueMessage(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.entries[id]
	if !ok || p.State != model.QueueFailed {
		return store.ErrNotFound
	}
	p.State = model.QueuePending
	p.Message.Status = model.StatusPending
	p.RetryCount = 0
	p.LastError = ""
	return nil
}

func (q *memQueue) UpdatePendingContent(id int64, content string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Message.Content = content
	return nil
}

func (q *memQueue) DiscardMessage(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}
