// Package connection keeps one live connection per user to the NetSuite MCP
// endpoint: the user's current tokens and the remote tools discovered with them.
package connection

import (
	"encoding/json"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/core"

	"github.com/tidwall/gjson"
)

// State is the lifecycle position of a connection attempt.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateFetching      State = "fetching"
	StateConnected     State = "connected"
	StateFailed        State = "failed"
	StateRefreshing    State = "refreshing"
	StateRetrying      State = "retrying"
)

// ToolDescriptor is one entry of a tools/list result, kept as the raw JSON
// the remote returned.
type ToolDescriptor struct {
	raw json.RawMessage
}

// NewToolDescriptor wraps a raw JSON tool object.
func NewToolDescriptor(raw []byte) ToolDescriptor {
	return ToolDescriptor{raw: append(json.RawMessage(nil), raw...)}
}

// Name returns the tool's name field, or "" when absent.
func (t ToolDescriptor) Name() string {
	return gjson.GetBytes(t.raw, "name").String()
}

// Description returns the tool's description field, or "" when absent.
func (t ToolDescriptor) Description() string {
	return gjson.GetBytes(t.raw, "description").String()
}

// Raw returns the descriptor as received.
func (t ToolDescriptor) Raw() json.RawMessage {
	return t.raw
}

func (t ToolDescriptor) MarshalJSON() ([]byte, error) {
	if len(t.raw) == 0 {
		return []byte("null"), nil
	}
	return t.raw, nil
}

func (t *ToolDescriptor) UnmarshalJSON(data []byte) error {
	t.raw = append(t.raw[:0], data...)
	return nil
}

// Config is what Initialize needs to reach the remote tool API for one user.
type Config struct {
	AccountID string
	Tokens    *core.TokenSet
}

// Connection is a snapshot of a user's connection. Connected is true only
// when the tokens are non-empty and the last tools/list call succeeded.
type Connection struct {
	UserID    string           `json:"user_id"`
	AccountID string           `json:"account_id"`
	Tokens    *core.TokenSet   `json:"-"`
	Connected bool             `json:"connected"`
	State     State            `json:"state"`
	Tools     []ToolDescriptor `json:"tools"`
	Err       error            `json:"-"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ToolNames lists the names of the discovered tools in order.
func (c *Connection) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for _, t := range c.Tools {
		names = append(names, t.Name())
	}
	return names
}

func (c *Connection) clone() *Connection {
	cp := *c
	if c.Tokens != nil {
		tokens := *c.Tokens
		cp.Tokens = &tokens
	}
	return &cp
}

// ConnectedEvent is delivered after a connection is established.
type ConnectedEvent struct {
	UserID    string
	AccountID string
	ToolCount int
}
