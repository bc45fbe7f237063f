// Package protocol defines the wire protocol messages exchanged between the
// Callboard server and its WebSocket clients (agent desktops and supervisor
// dashboards).
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import "time"

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// --- Message type constants ---

const (
	// Client → Server
	TypeAgentStatusChange = "agentStatusChange"

	// Server → Client
	TypeAgentStatusUpdate = "agentStatusUpdate"
	TypeConfigChanged     = "configChanged"
	TypeError             = "error"
)

// Synthetic statuses generated by the gateway itself on agent connect and
// disconnect. All other status values are application-defined and passed
// through untouched.
const (
	StatusAvailable = "available"
	StatusOffline   = "offline"
)

// AgentStatusChange is sent by an agent client when its status changes.
type AgentStatusChange struct {
	Status string `json:"status"`
}

// AgentStatusUpdate is pushed by the server to supervisor-visible connections
// whenever an agent's status changes. AgentID is always the server's own
// authenticated record for the originating connection, never client-supplied.
type AgentStatusUpdate struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// ConfigChanged notifies admin-visible connections that a back-office entity
// was mutated through the REST API.
type ConfigChanged struct {
	Entity string `json:"entity"` // "trunk", "did", "campaign", "user"
	Action string `json:"action"` // "created", "updated", "deleted"
	ID     string `json:"id"`
}

// ErrorNotice carries a best-effort error back to a client. The connection
// stays open; this is informational only.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
