package netwatch

import (
	"context"
	"errors"
	"net"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/msync/internal/clock"
)

type recorder struct {
	mu    stdsync.Mutex
	edges []bool
}

func (r *recorder) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, online)
}

func (r *recorder) got() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.edges...)
}

type switchDialer struct {
	mu stdsync.Mutex
	up bool
}

func (d *switchDialer) set(up bool) {
	d.mu.Lock()
	d.up = up
	d.mu.Unlock()
}

func (d *switchDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.up {
		return nil, errors.New("connection refused")
	}
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil
}

func TestTargetFromURL(t *testing.T) {
	cases := map[string]string{
		"https://api.example.com":      "api.example.com:443",
		"http://localhost:8080/api/v1": "localhost:8080",
		"ws://chat.local/ws":           "chat.local:80",
		"wss://chat.local":             "chat.local:443",
	}
	for in, want := range cases {
		got, err := TargetFromURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := TargetFromURL("not a url")
	assert.Error(t, err)
}

func TestCheckSignalsOnlyEdges(t *testing.T) {
	rec := &recorder{}
	d := &switchDialer{up: true}
	w := New(Config{Target: "backend:80"}, rec, d.dial, clock.NewFake(time.Unix(0, 0)), nil)
	ctx := context.Background()

	assert.True(t, w.Check(ctx))
	assert.True(t, w.Check(ctx))
	d.set(false)
	assert.False(t, w.Check(ctx))
	assert.False(t, w.Check(ctx))
	d.set(true)
	w.Check(ctx)

	assert.Equal(t, []bool{true, false, true}, rec.got())
}

func TestStartPollsOnInterval(t *testing.T) {
	rec := &recorder{}
	d := &switchDialer{up: true}
	clk := clock.NewFake(time.Unix(0, 0))
	w := New(Config{Target: "backend:80", Interval: 10 * time.Second}, rec, d.dial, clk, nil)

	w.Start(context.Background())
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, rec.got())

	d.set(false)
	clk.Advance(10 * time.Second)
	assert.Equal(t, []bool{true, false}, rec.got())
	assert.False(t, w.Online())

	w.Stop()
	assert.Equal(t, 0, clk.Pending())
	d.set(true)
	clk.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, rec.got())
}

func TestSetHoldsUntilRelease(t *testing.T) {
	rec := &recorder{}
	d := &switchDialer{up: true}
	w := New(Config{Target: "backend:80"}, rec, d.dial, clock.NewFake(time.Unix(0, 0)), nil)
	ctx := context.Background()

	w.Check(ctx)
	w.Set(false)
	assert.True(t, w.Held())
	w.Check(ctx)
	assert.Equal(t, []bool{true, false}, rec.got())
	assert.False(t, w.Online())

	w.Release()
	w.Check(ctx)
	assert.Equal(t, []bool{true, false, true}, rec.got())
	assert.False(t, w.Held())
}
