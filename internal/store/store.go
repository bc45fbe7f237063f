// Package store defines the storage interface for the back-office data and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the server.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id string) error

	// Trunks
	CreateTrunk(ctx context.Context, tr *Trunk) error
	GetTrunk(ctx context.Context, id string) (*Trunk, error)
	ListTrunks(ctx context.Context) ([]Trunk, error)
	UpdateTrunk(ctx context.Context, tr *Trunk) error
	DeleteTrunk(ctx context.Context, id string) error

	// DIDs
	CreateDID(ctx context.Context, d *DID) error
	GetDID(ctx context.Context, id string) (*DID, error)
	ListDIDs(ctx context.Context) ([]DID, error)
	UpdateDID(ctx context.Context, d *DID) error
	DeleteDID(ctx context.Context, id string) error

	// Campaigns
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	UpdateCampaign(ctx context.Context, c *Campaign) error
	DeleteCampaign(ctx context.Context, id string) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a back-office user account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name,omitempty"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "agent", "supervisor", "admin", "superadmin"
	CreatedAt    time.Time `json:"created_at"`
}

// Trunk represents a SIP trunk configuration consumed by the external
// telephony engine.
type Trunk struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Username   string    `json:"username,omitempty"`
	Secret     string    `json:"-"`
	DialPrefix string    `json:"dial_prefix,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// DID represents an inbound number and its routing destination.
type DID struct {
	ID          string    `json:"id"`
	Number      string    `json:"number"`
	Description string    `json:"description,omitempty"`
	TrunkID     string    `json:"trunk_id,omitempty"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Campaign represents an outbound dialing campaign's metadata.
type Campaign struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	DialPrefix  string    `json:"dial_prefix,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
