package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// Client talks to the messaging REST API.
type Client struct {
	baseURL string
	token   string
	http    *client.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHertzClient replaces the underlying HTTP client.
func WithHertzClient(hc *client.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		hc, err := client.NewClient(
			client.WithDialTimeout(10*time.Second),
			client.WithClientReadTimeout(30*time.Second),
			client.WithWriteTimeout(30*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("create http client: %w", err)
		}
		c.http = hc
	}
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks that the API answers at all. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) error {
	req := &protocol.Request{}
	resp := &protocol.Response{}
	req.SetMethod(consts.MethodHead)
	req.SetRequestURI(c.baseURL + "/groups")
	c.authorize(req)
	if err := c.send(ctx, req, resp); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *protocol.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) send(ctx context.Context, req *protocol.Request, resp *protocol.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		return c.http.DoDeadline(ctx, req, resp, deadline)
	}
	return c.http.Do(ctx, req, resp)
}

// request sends one JSON request and decodes the JSON response into result.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body, result any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req := &protocol.Request{}
	resp := &protocol.Response{}
	req.SetMethod(method)
	req.SetRequestURI(reqURL)
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBody(data)
	}

	if err := c.send(ctx, req, resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	data := resp.Body()
	if status < 200 || status >= 300 {
		return decodeError(status, data)
	}
	if len(data) == 0 {
		return nil
	}

	var envelope struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Code != 0 {
		return &Error{Status: status, Code: envelope.Code, Msg: envelope.Msg}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	e := &Error{Status: status}
	var body struct {
		Code  int    `json:"code"`
		Msg   string `json:"msg"`
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		e.Code = body.Code
		e.Msg = body.Msg
		if e.Msg == "" {
			e.Msg = body.Error
		}
	}
	if e.Msg == "" {
		e.Msg = strings.TrimSpace(string(data))
	}
	return e
}
