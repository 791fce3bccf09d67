package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/msync/internal/backend"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/metrics"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/store"
)

// ErrNotFound is returned when a message id matches nothing editable.
var ErrNotFound = errors.New("message not found")

// SendOptions are the optional parts of an outgoing message.
type SendOptions struct {
	MessageType model.MessageType
	ReplyToID   *int64
}

// FlushResult summarizes one replay pass.
type FlushResult struct {
	Sent    int
	Failed  int
	Retried int
	Skipped int
}

// Send queues a message and shows it optimistically. It only fails when the
// message could not even be queued; delivery outcome is reported through
// message.status_changed.
func (e *Engine) Send(ctx context.Context, groupID int64, content string, opts SendOptions) (model.Message, error) {
	d := &model.Draft{
		GroupID:     groupID,
		SenderID:    e.self.UserID(),
		Content:     content,
		MessageType: opts.MessageType,
		ReplyToID:   opts.ReplyToID,
		CreatedAt:   e.clk.Now(),
	}
	id, err := e.queue.QueueMessage(d)
	if err != nil {
		return model.Message{}, fmt.Errorf("queue message: %w", err)
	}
	metrics.IncEnqueued()

	msg := model.Message{
		ID:          id,
		GroupID:     groupID,
		SenderID:    d.SenderID,
		Content:     d.Content,
		MessageType: d.MessageType,
		Status:      model.StatusPending,
		CreatedAt:   d.CreatedAt,
		ReplyToID:   d.ReplyToID,
		ClientMsgID: d.ClientMsgID,
	}
	e.logger.Debug("message queued", zap.Int64("group_id", groupID), zap.String("client_msg_id", msg.ClientMsgID))
	e.updateView(groupID, func(view []model.Message) []model.Message {
		// A refresh racing this send may already have merged the entry.
		if indexOf(view, id) >= 0 {
			return view
		}
		return append(view, msg)
	})
	e.publishStatus(StatusChanged{GroupID: groupID, ID: id, ClientMsgID: msg.ClientMsgID, Status: model.StatusPending})

	if e.connected() {
		e.requestFlush()
	}
	return msg, nil
}

// Flush replays pending queue entries one at a time in creation order. A
// transient failure holds back the rest of that group for this pass so its
// messages never arrive out of order; other groups carry on. Passes never
// overlap.
func (e *Engine) Flush(ctx context.Context) FlushResult {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	metrics.IncFlushRun()

	var res FlushResult
	pending, err := e.queue.GetPendingMessages()
	if err != nil {
		e.logger.Error("failed to read queue", zap.Error(err))
		return res
	}

	blocked := make(map[int64]bool)
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		g := p.Message.GroupID
		if blocked[g] {
			res.Skipped++
			continue
		}
		switch e.deliver(ctx, p) {
		case outcomeSent:
			res.Sent++
		case outcomeFailed:
			res.Failed++
		case outcomeFailedTransient:
			res.Failed++
			blocked[g] = true
		case outcomeRetry:
			res.Retried++
			blocked[g] = true
		case outcomeSkipped:
			res.Skipped++
		case outcomeAborted:
			return res
		}
	}
	if res.Sent+res.Failed+res.Retried > 0 {
		e.logger.Info("queue flushed",
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("retried", res.Retried),
			zap.Int("skipped", res.Skipped))
	}
	return res
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeFailedTransient
	outcomeSkipped
	outcomeAborted
)

func (e *Engine) deliver(ctx context.Context, p model.PendingMessage) outcome {
	m := p.Message
	sent, err := e.api.SendMessage(ctx, m.GroupID, backend.SendMessageRequest{
		Content:     m.Content,
		MessageType: m.MessageType,
		ReplyToID:   m.ReplyToID,
		ClientMsgID: m.ClientMsgID,
	})
	if err != nil && backend.IsDuplicate(err) {
		// Accepted by an earlier attempt whose response got lost.
		e.logger.Info("server already has message", zap.String("client_msg_id", m.ClientMsgID))
		sent, err = model.Message{}, nil
	}
	if err == nil {
		e.confirm(m, sent)
		return outcomeSent
	}
	if ctx.Err() != nil {
		return outcomeAborted
	}

	if backend.IsPermanent(err) {
		e.logger.Warn("message rejected",
			zap.Int64("group_id", m.GroupID),
			zap.String("client_msg_id", m.ClientMsgID),
			zap.Error(err))
		e.fail(m, err, true)
		return outcomeFailed
	}

	n, ierr := e.queue.IncrementRetry(m.ID, err.Error())
	if ierr != nil {
		// Settled or discarded while the request was in flight.
		return outcomeSkipped
	}
	if n >= e.cfg.RetryCap {
		e.logger.Warn("message retries exhausted",
			zap.Int64("group_id", m.GroupID),
			zap.String("client_msg_id", m.ClientMsgID),
			zap.Int("attempt", n),
			zap.Error(err))
		e.fail(m, err, false)
		return outcomeFailedTransient
	}
	metrics.IncSend("retry")
	e.logger.Debug("send failed, will retry",
		zap.String("client_msg_id", m.ClientMsgID),
		zap.Int("attempt", n),
		zap.Error(err))
	return outcomeRetry
}

// confirm settles a delivered entry and swaps the optimistic message for
// the server's copy. sent may be zero when the server reported a duplicate;
// the next refresh or echo then supplies the server copy.
func (e *Engine) confirm(local, sent model.Message) {
	metrics.IncSend("sent")
	if err := e.queue.MarkMessageSent(local.ID, sent.ID); err != nil {
		e.logger.Error("failed to mark sent", zap.Int64("local_id", local.ID), zap.Error(err))
	}

	if sent.ID != 0 {
		if sent.ClientMsgID == "" {
			sent.ClientMsgID = local.ClientMsgID
		}
		if sent.Status == "" || sent.Status == model.StatusPending {
			sent.Status = model.StatusSent
		}
		if e.db.Available() {
			if err := e.db.UpsertCachedMessage(sent); err != nil {
				e.logger.Error("failed to cache sent message", zap.Int64("group_id", sent.GroupID), zap.Error(err))
			}
			if err := e.db.TouchGroup(sent.GroupID, preview(sent.Content), sent.CreatedAt, 0); err != nil {
				e.logger.Error("failed to touch group", zap.Int64("group_id", sent.GroupID), zap.Error(err))
			}
		}
	}

	e.updateView(local.GroupID, func(view []model.Message) []model.Message {
		li := indexOf(view, local.ID)
		if sent.ID == 0 {
			if li >= 0 {
				view[li].Status = model.StatusSent
			}
			return view
		}
		if indexOf(view, sent.ID) >= 0 {
			// The echo arrived first and already holds the server copy.
			if li >= 0 {
				view = append(view[:li], view[li+1:]...)
			}
			return view
		}
		if li >= 0 {
			view[li] = sent
			return view
		}
		return append(view, sent)
	})

	e.logger.Info("message sent", zap.String("client_msg_id", local.ClientMsgID), zap.Int64("server_id", sent.ID))
	e.publishStatus(StatusChanged{GroupID: local.GroupID, ID: sent.ID, ClientMsgID: local.ClientMsgID, Status: model.StatusSent})
	e.bus.Publish(bus.NewEvent(bus.KindSendAck, SendAck{
		GroupID:     local.GroupID,
		LocalID:     local.ID,
		ServerID:    sent.ID,
		ClientMsgID: local.ClientMsgID,
	}))
}

func (e *Engine) fail(local model.Message, cause error, permanent bool) {
	metrics.IncSend("failed")
	if err := e.queue.MarkMessageFailed(local.ID, cause.Error()); err != nil {
		e.logger.Error("failed to mark failed", zap.Int64("local_id", local.ID), zap.Error(err))
	}
	e.updateView(local.GroupID, func(view []model.Message) []model.Message {
		if i := indexOf(view, local.ID); i >= 0 {
			view[i].Status = model.StatusFailed
		}
		return view
	})
	e.publishStatus(StatusChanged{
		GroupID:     local.GroupID,
		ID:          local.ID,
		ClientMsgID: local.ClientMsgID,
		Status:      model.StatusFailed,
		Error:       cause.Error(),
		Retryable:   true,
	})
	e.bus.Publish(bus.NewEvent(bus.KindSendFailed, SendFailed{
		GroupID:     local.GroupID,
		LocalID:     local.ID,
		ClientMsgID: local.ClientMsgID,
		Error:       cause.Error(),
		Permanent:   permanent,
	}))
}

// Retry puts a failed message back in the queue with a fresh retry budget.
func (e *Engine) Retry(ctx context.Context, id int64) error {
	p, err := e.queue.GetPendingMessage(id)
	if err != nil {
		return notFound(err)
	}
	if p.State == model.QueueSent {
		// The server already has it, through a confirm or an echo.
		return ErrNotFound
	}
	if err := e.queue.RequeueMessage(id); err != nil {
		return notFound(err)
	}
	e.updateView(p.Message.GroupID, func(view []model.Message) []model.Message {
		if i := indexOf(view, id); i >= 0 {
			view[i].Status = model.StatusPending
		}
		return view
	})
	e.publishStatus(StatusChanged{GroupID: p.Message.GroupID, ID: id, ClientMsgID: p.Message.ClientMsgID, Status: model.StatusPending})
	if e.connected() {
		e.requestFlush()
	}
	return nil
}

// Discard drops an unsent message from the queue and the view.
func (e *Engine) Discard(id int64) error {
	p, err := e.queue.GetPendingMessage(id)
	if err != nil {
		return notFound(err)
	}
	if p.State == model.QueueSent {
		return ErrNotFound
	}
	if err := e.queue.DiscardMessage(id); err != nil {
		return fmt.Errorf("discard message: %w", err)
	}
	e.updateView(p.Message.GroupID, func(view []model.Message) []model.Message {
		if i := indexOf(view, id); i >= 0 {
			view = append(view[:i], view[i+1:]...)
		}
		return view
	})
	return nil
}

// Edit changes a message. Unsent messages are rewritten in the queue;
// delivered ones are edited on the server.
func (e *Engine) Edit(ctx context.Context, groupID, id int64, content string) (model.Message, error) {
	if id < 0 {
		if err := e.queue.UpdatePendingContent(id, content); err != nil {
			return model.Message{}, notFound(err)
		}
		var out model.Message
		e.updateView(groupID, func(view []model.Message) []model.Message {
			if i := indexOf(view, id); i >= 0 {
				view[i].Content = content
				out = view[i]
			}
			return view
		})
		if out.ID == 0 {
			p, err := e.queue.GetPendingMessage(id)
			if err != nil {
				return model.Message{}, notFound(err)
			}
			out = p.Message
		}
		return out, nil
	}

	edited, err := e.api.EditMessage(ctx, groupID, id, content)
	if err != nil {
		return model.Message{}, fmt.Errorf("edit message: %w", err)
	}
	out, ok := e.find(groupID, id)
	if !ok {
		out = model.Message{ID: id, GroupID: groupID, Status: model.StatusSent}
	}
	out.Content = content
	if edited.ID != 0 {
		if edited.ClientMsgID == "" {
			edited.ClientMsgID = out.ClientMsgID
		}
		out = edited
	}
	if out.EditedAt == nil {
		now := e.clk.Now()
		out.EditedAt = &now
	}
	e.applyUpdate(out)
	return out, nil
}

// Delete removes a message. Unsent messages are discarded locally.
func (e *Engine) Delete(ctx context.Context, groupID, id int64) error {
	if id < 0 {
		return e.Discard(id)
	}
	if err := e.api.DeleteMessage(ctx, groupID, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	e.applyDelete(groupID, id)
	return nil
}

// SendTyping tells the group whether the local user is typing. It is best
// effort: nothing is sent while disconnected.
func (e *Engine) SendTyping(ctx context.Context, groupID int64, typing bool) error {
	env, err := realtime.NewEnvelope(realtime.TypeTyping, groupID, realtime.TypingPayload{
		UserID:   e.self.UserID(),
		IsTyping: typing,
	})
	if err != nil {
		return err
	}
	if err := e.tr.Send(ctx, env); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

func (e *Engine) find(groupID, id int64) (model.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := indexOf(e.views[groupID], id); i >= 0 {
		return e.views[groupID][i], true
	}
	return model.Message{}, false
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
