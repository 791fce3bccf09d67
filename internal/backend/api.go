package backend

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/matheus3301/msync/internal/model"
)

// CreateGroupRequest is the body of POST /groups.
type CreateGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	MemberIDs   []string `json:"memberIds,omitempty"`
}

// SendMessageRequest is the body of POST /groups/{id}/messages.
type SendMessageRequest struct {
	Content     string            `json:"content"`
	MessageType model.MessageType `json:"messageType,omitempty"`
	ReplyToID   *int64            `json:"replyToId,omitempty"`
	ClientMsgID string            `json:"clientMsgId,omitempty"`
}

type groupsResponse struct {
	Groups []model.Group `json:"groups"`
}

type groupResponse struct {
	Group model.Group `json:"group"`
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
}

type messageResponse struct {
	Message model.Message `json:"message"`
}

// ListGroups returns the groups the user belongs to.
func (c *Client) ListGroups(ctx context.Context) ([]model.Group, error) {
	var out groupsResponse
	if err := c.request(ctx, consts.MethodGet, "/groups", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// CreateGroup creates a group with the given members.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (model.Group, error) {
	var out groupResponse
	if err := c.request(ctx, consts.MethodPost, "/groups", nil, req, &out); err != nil {
		return model.Group{}, err
	}
	return out.Group, nil
}

// ListMessages returns a page of a group's history.
func (c *Client) ListMessages(ctx context.Context, groupID int64, limit, offset int) ([]model.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out messagesResponse
	if err := c.request(ctx, consts.MethodGet, messagesPath(groupID), q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		normalize(&out.Messages[i], groupID)
	}
	return out.Messages, nil
}

// SendMessage posts a message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, groupID int64, req SendMessageRequest) (model.Message, error) {
	var out messageResponse
	if err := c.request(ctx, consts.MethodPost, messagesPath(groupID), nil, req, &out); err != nil {
		return model.Message{}, err
	}
	normalize(&out.Message, groupID)
	if out.Message.ClientMsgID == "" {
		out.Message.ClientMsgID = req.ClientMsgID
	}
	return out.Message, nil
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, groupID, messageID int64, content string) (model.Message, error) {
	var out messageResponse
	body := map[string]string{"content": content}
	if err := c.request(ctx, consts.MethodPatch, messagePath(groupID, messageID), nil, body, &out); err != nil {
		return model.Message{}, err
	}
	if out.Message.ID == 0 {
		return model.Message{}, nil
	}
	normalize(&out.Message, groupID)
	return out.Message, nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, groupID, messageID int64) error {
	return c.request(ctx, consts.MethodDelete, messagePath(groupID, messageID), nil, nil, nil)
}

func messagesPath(groupID int64) string {
	return fmt.Sprintf("/groups/%d/messages", groupID)
}

func messagePath(groupID, messageID int64) string {
	return fmt.Sprintf("/groups/%d/messages/%d", groupID, messageID)
}

func normalize(m *model.Message, groupID int64) {
	if m.GroupID == 0 {
		m.GroupID = groupID
	}
	if m.Status == "" {
		m.Status = model.StatusSent
	}
	if m.MessageType == "" {
		m.MessageType = model.TypeText
	}
}
