// Package transport implements the hub delivery mechanisms: webhook push over
// HTTP and socket push over live agent connections.
package transport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/agenthub/errs"
	"github.com/coachpo/agenthub/internal/schema"
)

const defaultSocketWriteTimeout = 5 * time.Second

// Conn is a live connection handle able to push serialized events to an agent.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// SocketTable maps agents to their live connection handles. An agent holds at
// most one handle; attaching a new one replaces and closes the previous.
type SocketTable struct {
	mu    sync.RWMutex
	conns map[string]socketEntry
}

type socketEntry struct {
	id   schema.ConnectionID
	conn Conn
}

// NewSocketTable constructs an empty socket table.
func NewSocketTable() *SocketTable {
	table := new(SocketTable)
	table.conns = make(map[string]socketEntry)
	return table
}

// Attach registers the handle for the agent and returns the connection id.
func (t *SocketTable) Attach(agentID string, conn Conn) (schema.ConnectionID, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", errs.New("transport/socket", errs.CodeInvalid, errs.WithMessage("agentId required"))
	}
	if conn == nil {
		return "", errs.New("transport/socket", errs.CodeInvalid, errs.WithMessage("connection handle required"))
	}
	id := schema.ConnectionID(uuid.NewString())
	t.mu.Lock()
	prev, replaced := t.conns[agentID]
	t.conns[agentID] = socketEntry{id: id, conn: conn}
	t.mu.Unlock()
	if replaced {
		_ = prev.conn.Close()
	}
	return id, nil
}

// Detach removes and closes the agent's handle when the connection id still
// matches; a stale reader never detaches its successor.
func (t *SocketTable) Detach(agentID string, id schema.ConnectionID) bool {
	t.mu.Lock()
	entry, ok := t.conns[agentID]
	if !ok || entry.id != id {
		t.mu.Unlock()
		return false
	}
	delete(t.conns, agentID)
	t.mu.Unlock()
	_ = entry.conn.Close()
	return true
}

// Open reports whether the agent currently has a live handle.
func (t *SocketTable) Open(agentID string) bool {
	t.mu.RLock()
	_, ok := t.conns[agentID]
	t.mu.RUnlock()
	return ok
}

// Lookup returns the agent's current handle and connection id.
func (t *SocketTable) Lookup(agentID string) (Conn, schema.ConnectionID, bool) {
	t.mu.RLock()
	entry, ok := t.conns[agentID]
	t.mu.RUnlock()
	if !ok {
		return nil, "", false
	}
	return entry.conn, entry.id, true
}

// Push serializes the event and sends it over the agent's live handle. A send
// failure detaches and closes the broken handle before reporting unavailable.
func (t *SocketTable) Push(ctx context.Context, agentID string, evt *schema.Event) error {
	t.mu.RLock()
	entry, ok := t.conns[agentID]
	t.mu.RUnlock()
	if !ok {
		return errs.New("transport/socket", errs.CodeUnavailable, errs.WithMessage("no open connection for agent"))
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return errs.New("transport/socket", errs.CodeInternal, errs.WithMessage("encode event"), errs.WithCause(err))
	}
	if err := entry.conn.Send(ctx, payload); err != nil {
		t.Detach(agentID, entry.id)
		return errs.New("transport/socket", errs.CodeUnavailable, errs.WithMessage("push failed"), errs.WithCause(err))
	}
	return nil
}

// Count returns the number of live handles.
func (t *SocketTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Agents returns the agent ids with live handles, sorted.
func (t *SocketTable) Agents() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.conns))
	for agentID := range t.conns {
		out = append(out, agentID)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// CloseAll closes and removes every live handle.
func (t *SocketTable) CloseAll() {
	t.mu.Lock()
	entries := make([]socketEntry, 0, len(t.conns))
	for _, entry := range t.conns {
		entries = append(entries, entry)
	}
	t.conns = make(map[string]socketEntry)
	t.mu.Unlock()
	for _, entry := range entries {
		_ = entry.conn.Close()
	}
}

// WSConn adapts a websocket connection to the Conn interface with a bounded
// per-write timeout.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewWSConn wraps the websocket connection. A non-positive timeout falls back
// to the default write timeout.
func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultSocketWriteTimeout
	}
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one text frame within the write timeout.
func (c *WSConn) Send(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, payload)
}

// Close closes the websocket with a normal closure status.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return c.closeErr
}
