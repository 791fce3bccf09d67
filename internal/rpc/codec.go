package rpc

import (
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/status"
	"github.com/matheus3301/msync/internal/store"
	intsync "github.com/matheus3301/msync/internal/sync"
)

// Ids travel as decimal strings: temporary ids do not fit a float64.
func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return float64(t.UnixMilli())
}

func messageValue(m model.Message) map[string]any {
	v := map[string]any{
		"id":            idString(m.ID),
		"group_id":      idString(m.GroupID),
		"sender_id":     m.SenderID,
		"content":       m.Content,
		"message_type":  string(m.MessageType),
		"status":        string(m.Status),
		"created_at_ms": millis(m.CreatedAt),
		"client_msg_id": m.ClientMsgID,
	}
	if m.EditedAt != nil {
		v["edited_at_ms"] = millis(*m.EditedAt)
	}
	if m.DeletedAt != nil {
		v["deleted_at_ms"] = millis(*m.DeletedAt)
	}
	if m.ReplyToID != nil {
		v["reply_to_id"] = idString(*m.ReplyToID)
	}
	return v
}

func messageList(msgs []model.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageValue(m))
	}
	return out
}

func groupValue(g model.Group) map[string]any {
	return map[string]any{
		"id":            idString(g.ID),
		"name":          g.Name,
		"description":   g.Description,
		"created_by":    g.CreatedBy,
		"member_count":  float64(g.MemberCount),
		"last_message":  g.LastMessage,
		"unread_count":  float64(g.UnreadCount),
		"updated_at_ms": millis(g.UpdatedAt),
	}
}

func groupList(groups []model.Group) []any {
	out := make([]any, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupValue(g))
	}
	return out
}

func statusValue(s status.ConnectionStatus) map[string]any {
	return map[string]any{
		"state":              string(s.State),
		"reconnect_attempts": float64(s.Attempts),
		"last_connected_ms":  millis(s.LastConnectedAt),
	}
}

func searchList(results []store.SearchResult) []any {
	out := make([]any, 0, len(results))
	for _, r := range results {
		v := messageValue(r.Message)
		v["snippet"] = r.Snippet
		out = append(out, v)
	}
	return out
}

func stringValues(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

// eventValue flattens a bus event payload. Unknown payloads carry only
// the kind.
func eventValue(evt bus.Event) map[string]any {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To), "attempts": float64(p.Attempts)}
	case intsync.MessagesChanged:
		return map[string]any{"group_id": idString(p.GroupID), "messages": messageList(p.Messages)}
	case intsync.StatusChanged:
		return map[string]any{
			"group_id":      idString(p.GroupID),
			"id":            idString(p.ID),
			"client_msg_id": p.ClientMsgID,
			"status":        string(p.Status),
			"error":         p.Error,
			"retryable":     p.Retryable,
		}
	case intsync.SendAck:
		return map[string]any{
			"group_id":      idString(p.GroupID),
			"local_id":      idString(p.LocalID),
			"server_id":     idString(p.ServerID),
			"client_msg_id": p.ClientMsgID,
		}
	case intsync.SendFailed:
		return map[string]any{
			"group_id":      idString(p.GroupID),
			"local_id":      idString(p.LocalID),
			"client_msg_id": p.ClientMsgID,
			"error":         p.Error,
			"permanent":     p.Permanent,
		}
	case intsync.TypingChanged:
		return map[string]any{"group_id": idString(p.GroupID), "users": stringValues(p.Users)}
	case intsync.GroupsChanged:
		return map[string]any{"groups": groupList(p.Groups)}
	case intsync.PresenceChanged:
		return map[string]any{"user_id": p.UserID, "status": p.Status}
	}
	return map[string]any{}
}

func newStruct(v map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}

// Int64Field reads an id that may be sent as a string or a number.
func Int64Field(s *structpb.Struct, key string) (int64, bool, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, false, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("field %s: %w", key, err)
		}
		return n, true, nil
	case *structpb.Value_NumberValue:
		return int64(k.NumberValue), true, nil
	case *structpb.Value_NullValue:
		return 0, false, nil
	}
	return 0, true, fmt.Errorf("field %s: not an id", key)
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func boolField(s *structpb.Struct, key string) (bool, bool) {
	v, ok := s.GetFields()[key]
	if !ok {
		return false, false
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, false
	}
	return b.BoolValue, true
}

func stringList(s *structpb.Struct, key string) []string {
	var out []string
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		if str := v.GetStringValue(); str != "" {
			out = append(out, str)
		}
	}
	return out
}
