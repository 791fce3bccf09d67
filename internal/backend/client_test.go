package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/msync/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", WithToken("secret"))
	require.NoError(t, err)
	return c
}

func TestListGroups(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/groups", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"groups":[{"id":1,"name":"General","memberCount":4},{"id":2,"name":"Ops"}]}`)
	})

	groups, err := c.ListGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "General", groups[0].Name)
	assert.Equal(t, 4, groups[0].MemberCount)
}

func TestListMessagesNormalizes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/groups/9/messages", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Empty(t, r.URL.Query().Get("offset"))
		_, _ = io.WriteString(w, `{"messages":[{"id":5,"senderId":"u1","content":"hey","createdAt":"2025-01-02T03:04:05Z"}]}`)
	})

	msgs, err := c.ListMessages(context.Background(), 9, 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(9), msgs[0].GroupID)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
	assert.Equal(t, model.TypeText, msgs[0].MessageType)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), msgs[0].CreatedAt.UTC())
}

func TestSendMessageCarriesCorrelationID(t *testing.T) {
	var got SendMessageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"message":{"id":77,"groupId":3,"senderId":"me","content":"hello","createdAt":"2025-01-02T03:04:05Z"}}`)
	})

	reply := int64(70)
	msg, err := c.SendMessage(context.Background(), 3, SendMessageRequest{
		Content: "hello", MessageType: model.TypeText, ReplyToID: &reply, ClientMsgID: "c-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "c-1", got.ClientMsgID)
	assert.Equal(t, int64(70), *got.ReplyToID)
	assert.Equal(t, int64(77), msg.ID)
	assert.Equal(t, "c-1", msg.ClientMsgID, "correlation id is carried over when the server omits it")
}

func TestEditAndDelete(t *testing.T) {
	var methods []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPatch {
			_, _ = io.WriteString(w, `{"message":{"id":5,"content":"fixed"}}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	msg, err := c.EditMessage(context.Background(), 2, 5, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", msg.Content)
	require.NoError(t, c.DeleteMessage(context.Background(), 2, 5))
	assert.Equal(t, []string{"PATCH /groups/2/messages/5", "DELETE /groups/2/messages/5"}, methods)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
		duplicate bool
	}{
		{"not a member", http.StatusForbidden, `{"code":3003,"msg":"not a group member"}`, true, false},
		{"validation", http.StatusBadRequest, `{"error":"content required"}`, true, false},
		{"server error", http.StatusInternalServerError, `oops`, false, false},
		{"unavailable", http.StatusServiceUnavailable, ``, false, false},
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, false, false},
		{"request timeout", http.StatusRequestTimeout, ``, false, false},
		{"business code on 200", http.StatusOK, `{"code":4002,"msg":"duplicate"}`, true, true},
		{"internal code on 200", http.StatusOK, `{"code":1002,"msg":"internal server error"}`, false, false},
		{"rate limit code on 200", http.StatusOK, `{"code":1006,"msg":"too many requests"}`, false, false},
		{"internal code on 503", http.StatusServiceUnavailable, `{"code":1002,"msg":"internal server error"}`, false, false},
		{"member code on 502", http.StatusBadGateway, `{"code":3003,"msg":"not a group member"}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.SendMessage(context.Background(), 1, SendMessageRequest{Content: "x"})
			require.Error(t, err)
			var be *Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.status, be.Status)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Equal(t, tt.duplicate, IsDuplicate(err))
		})
	}
}

func TestErrorMessageFallbacks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"no such group"}`)
	})
	_, err := c.ListMessages(context.Background(), 1, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such group")
	assert.True(t, IsNotFound(err))
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.ListGroups(ctx)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Error(t, c.Ping(ctx))
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusUnauthorized)
	})
	assert.NoError(t, c.Ping(context.Background()))
}

func TestCanceledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListGroups(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsPermanent(err))
}
