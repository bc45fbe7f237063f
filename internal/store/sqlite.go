package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'agent',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS trunks (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 5060,
			username TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL DEFAULT '',
			dial_prefix TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dids (
			id TEXT PRIMARY KEY,
			number TEXT UNIQUE NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			trunk_id TEXT NOT NULL DEFAULT '',
			campaign_id TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			dial_prefix TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dids_campaign_id ON dids(campaign_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, full_name, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.FullName, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, full_name, password_hash, role, created_at FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &u.FullName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, full_name, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.FullName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, full_name, role, created_at FROM users ORDER BY created_at",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	return err
}

// --- Trunks ---

func (s *SQLiteStore) CreateTrunk(ctx context.Context, tr *Trunk) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO trunks (id, name, host, port, username, secret, dial_prefix, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		tr.ID, tr.Name, tr.Host, tr.Port, tr.Username, tr.Secret, tr.DialPrefix, tr.Active, tr.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetTrunk(ctx context.Context, id string) (*Trunk, error) {
	var tr Trunk
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, host, port, username, secret, dial_prefix, active, created_at FROM trunks WHERE id = ?", id,
	).Scan(&tr.ID, &tr.Name, &tr.Host, &tr.Port, &tr.Username, &tr.Secret, &tr.DialPrefix, &tr.Active, &tr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &tr, err
}

func (s *SQLiteStore) ListTrunks(ctx context.Context) ([]Trunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, host, port, username, secret, dial_prefix, active, created_at FROM trunks ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trunks []Trunk
	for rows.Next() {
		var tr Trunk
		if err := rows.Scan(&tr.ID, &tr.Name, &tr.Host, &tr.Port, &tr.Username, &tr.Secret, &tr.DialPrefix, &tr.Active, &tr.CreatedAt); err != nil {
			return nil, err
		}
		trunks = append(trunks, tr)
	}
	return trunks, rows.Err()
}

func (s *SQLiteStore) UpdateTrunk(ctx context.Context, tr *Trunk) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE trunks SET name = ?, host = ?, port = ?, username = ?, secret = ?, dial_prefix = ?, active = ? WHERE id = ?",
		tr.Name, tr.Host, tr.Port, tr.Username, tr.Secret, tr.DialPrefix, tr.Active, tr.ID,
	)
	return err
}

func (s *SQLiteStore) DeleteTrunk(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM trunks WHERE id = ?", id)
	return err
}

// --- DIDs ---

func (s *SQLiteStore) CreateDID(ctx context.Context, d *DID) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO dids (id, number, description, trunk_id, campaign_id, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		d.ID, d.Number, d.Description, d.TrunkID, d.CampaignID, d.Active, d.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetDID(ctx context.Context, id string) (*DID, error) {
	var d DID
	err := s.db.QueryRowContext(ctx,
		"SELECT id, number, description, trunk_id, campaign_id, active, created_at FROM dids WHERE id = ?", id,
	).Scan(&d.ID, &d.Number, &d.Description, &d.TrunkID, &d.CampaignID, &d.Active, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &d, err
}

func (s *SQLiteStore) ListDIDs(ctx context.Context) ([]DID, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, number, description, trunk_id, campaign_id, active, created_at FROM dids ORDER BY number",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dids []DID
	for rows.Next() {
		var d DID
		if err := rows.Scan(&d.ID, &d.Number, &d.Description, &d.TrunkID, &d.CampaignID, &d.Active, &d.CreatedAt); err != nil {
			return nil, err
		}
		dids = append(dids, d)
	}
	return dids, rows.Err()
}

func (s *SQLiteStore) UpdateDID(ctx context.Context, d *DID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE dids SET number = ?, description = ?, trunk_id = ?, campaign_id = ?, active = ? WHERE id = ?",
		d.Number, d.Description, d.TrunkID, d.CampaignID, d.Active, d.ID,
	)
	return err
}

func (s *SQLiteStore) DeleteDID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM dids WHERE id = ?", id)
	return err
}

// --- Campaigns ---

func (s *SQLiteStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO campaigns (id, name, description, dial_prefix, active, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		c.ID, c.Name, c.Description, c.DialPrefix, c.Active, c.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, description, dial_prefix, active, created_at FROM campaigns WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.DialPrefix, &c.Active, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *SQLiteStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, description, dial_prefix, active, created_at FROM campaigns ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.DialPrefix, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *SQLiteStore) UpdateCampaign(ctx context.Context, c *Campaign) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE campaigns SET name = ?, description = ?, dial_prefix = ?, active = ? WHERE id = ?",
		c.Name, c.Description, c.DialPrefix, c.Active, c.ID,
	)
	return err
}

func (s *SQLiteStore) DeleteCampaign(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM campaigns WHERE id = ?", id)
	return err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		event.ID, event.Action, event.UserID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, user_id, detail, created_at FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
