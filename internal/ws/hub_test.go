package ws

import (
	"sync"
	"testing"

	"chatrelay/internal/models"
	"chatrelay/internal/relay"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// stubConn is a relay.Conn backed by a plain buffered channel.
type stubConn struct {
	id     string
	user   string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

func newStubConn(id string, buf int) *stubConn {
	return &stubConn{id: id, frames: make(chan []byte, buf)}
}

func (c *stubConn) ID() string          { return c.id }
func (c *stubConn) UserID() string      { return c.user }
func (c *stubConn) SetUserID(id string) { c.user = id }

func (c *stubConn) Send(frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

func (c *stubConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *stubConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.rooms == nil || hub.joined == nil || hub.conns == nil {
		t.Error("NewHub() maps not initialised")
	}
}

func TestHub_Online_NonExistentRoom(t *testing.T) {
	hub := NewHub()
	if online := hub.Online("missing"); online != 0 {
		t.Errorf("Online() for non-existent room = %d, want 0", online)
	}
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	req := require.New(t)
	hub := NewHub()
	a := newStubConn("a", 1)

	req.True(hub.Join(a, "g1"))
	req.False(hub.Join(a, "g1"))
	req.Equal(1, hub.Online("g1"))
}

func TestHub_TargetsExcludeSender(t *testing.T) {
	req := require.New(t)
	hub := NewHub()
	a, b, c := newStubConn("a", 1), newStubConn("b", 1), newStubConn("c", 1)
	hub.Join(a, "g1")
	hub.Join(b, "g1")
	hub.Join(c, "g2")

	ids := func(room string, exclude *stubConn) []string {
		var ex relay.Conn
		if exclude != nil {
			ex = exclude
		}
		var out []string
		for _, c := range hub.Targets(room, ex) {
			out = append(out, c.ID())
		}
		return out
	}
	req.ElementsMatch([]string{"b"}, ids("g1", a))
	req.ElementsMatch([]string{"a", "b"}, ids("g1", nil))
	req.ElementsMatch([]string{"c"}, ids("g2", a))
}

func TestHub_LeaveAll(t *testing.T) {
	req := require.New(t)
	hub := NewHub()
	a, b := newStubConn("a", 1), newStubConn("b", 1)
	hub.Join(a, "g1")
	hub.Join(a, "g2")
	hub.Join(b, "g1")

	req.ElementsMatch([]string{"g1", "g2"}, hub.LeaveAll(a))
	req.Equal(1, hub.Online("g1"))
	req.Zero(hub.Online("g2"))
	req.Empty(hub.LeaveAll(a))
}

func TestHub_BroadcastEncodesEnvelope(t *testing.T) {
	req := require.New(t)
	hub := NewHub()
	a, b := newStubConn("a", 1), newStubConn("b", 1)
	hub.Join(a, "g1")
	hub.Join(b, "g1")

	n := hub.Broadcast("g1", a, "message_recieved", &models.Message{MessageID: "m1", GroupID: "g1", Content: "hi"})
	req.Equal(1, n)
	req.Empty(a.frames)

	var env struct {
		Event string         `json:"event"`
		Data  models.Message `json:"data"`
	}
	req.NoError(json.Unmarshal(<-b.frames, &env))
	req.Equal("message_recieved", env.Event)
	req.Equal("m1", env.Data.MessageID)
	req.Equal("hi", env.Data.Content)
}

func TestHub_BroadcastDropsStaleConnection(t *testing.T) {
	req := require.New(t)
	hub := NewHub()
	sender, slow, fast := newStubConn("sender", 1), newStubConn("slow", 1), newStubConn("fast", 4)
	hub.Add(slow)
	for _, c := range []*stubConn{sender, slow, fast} {
		hub.Join(c, "g1")
	}
	slow.frames <- []byte("backlog")

	// A full buffer must not block the room.
	n := hub.Broadcast("g1", sender, "message_recieved", &models.Message{MessageID: "m1", GroupID: "g1"})

	req.Equal(1, n)
	req.Len(fast.frames, 1)
	req.True(slow.isClosed())
	req.Equal(2, hub.Online("g1"))

	hub.Remove(slow)
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub()
	a, b := newStubConn("a", 1), newStubConn("b", 1)
	hub.Add(a)
	hub.Add(b)

	hub.CloseAll()

	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
	hub.Remove(a)
	hub.Remove(b)
}

func TestHub_Concurrent(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newStubConn(string(rune('A'+i)), 64)
			hub.Join(c, "g1")
			hub.Broadcast("g1", c, "message_recieved", &models.Message{MessageID: "m", GroupID: "g1"})
			if i%2 == 0 {
				hub.LeaveAll(c)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 25, hub.Online("g1"))
}
