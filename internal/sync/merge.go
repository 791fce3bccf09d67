package sync

import (
	"time"

	"github.com/matheus3301/msync/internal/model"
)

// Merge combines a conversation's known messages with a fresh server page
// and the local queue entries.
//
// Server entries win over cached ones with the same id. A queue entry is kept
// unless some confirmed message is its server copy, matched by correlation id
// or, when the server omits it, by sender, content and a creation time within
// window. Matches are returned keyed by local id so the caller can settle the
// queue. The result is sorted by creation time.
func Merge(cached, server []model.Message, local []model.PendingMessage, window time.Duration) ([]model.Message, map[int64]model.Message) {
	byID := make(map[int64]model.Message, len(cached)+len(server))
	order := make([]int64, 0, len(cached)+len(server))
	put := func(m model.Message) {
		if _, seen := byID[m.ID]; !seen {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}
	for _, m := range cached {
		if m.IsLocal() {
			continue
		}
		put(m)
	}
	for _, m := range server {
		put(m)
	}

	confirmed := make([]model.Message, 0, len(order))
	for _, id := range order {
		confirmed = append(confirmed, byID[id])
	}

	matched := make(map[int64]model.Message)
	used := make(map[int64]bool)
	out := confirmed
	for _, p := range local {
		if p.State == model.QueueSent {
			continue
		}
		if i := findEcho(confirmed, p.Message, used, window); i >= 0 {
			matched[p.Message.ID] = confirmed[i]
			used[confirmed[i].ID] = true
			continue
		}
		out = append(out, p.Message)
	}
	model.SortMessages(out)
	return out, matched
}

// findEcho returns the index of the confirmed message that is the server
// copy of local, or -1.
func findEcho(confirmed []model.Message, local model.Message, used map[int64]bool, window time.Duration) int {
	if local.ClientMsgID != "" {
		for i, m := range confirmed {
			if !used[m.ID] && m.ClientMsgID == local.ClientMsgID {
				return i
			}
		}
	}
	for i, m := range confirmed {
		if used[m.ID] || m.ClientMsgID != "" {
			continue
		}
		if looksLikeEcho(local, m, window) {
			return i
		}
	}
	return -1
}

// looksLikeEcho is the fallback correlation used when the server copy
// carries no correlation id: same sender, same content, close in time.
func looksLikeEcho(local, remote model.Message, window time.Duration) bool {
	if local.SenderID == "" || local.SenderID != remote.SenderID || local.Content != remote.Content {
		return false
	}
	d := remote.CreatedAt.Sub(local.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// matchIncoming finds the entry in view an inbound message should replace:
// same id, same correlation id, or for the local user's own messages an
// optimistic entry that looks like its echo.
func matchIncoming(view []model.Message, in model.Message, self string, window time.Duration) int {
	for i, m := range view {
		if m.ID == in.ID {
			return i
		}
	}
	if in.ClientMsgID != "" {
		for i, m := range view {
			if m.ClientMsgID == in.ClientMsgID {
				return i
			}
		}
	}
	if self == "" || in.SenderID != self {
		return -1
	}
	for i, m := range view {
		if m.IsLocal() && looksLikeEcho(m, in, window) {
			return i
		}
	}
	return -1
}

func indexOf(view []model.Message, id int64) int {
	for i, m := range view {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func confirmedOnly(view []model.Message) []model.Message {
	out := make([]model.Message, 0, len(view))
	for _, m := range view {
		if !m.IsLocal() {
			out = append(out, m)
		}
	}
	return out
}

func preview(s string) string {
	const limit = 100
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
