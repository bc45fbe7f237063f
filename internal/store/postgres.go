package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'agent',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS trunks (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 5060,
			username TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL DEFAULT '',
			dial_prefix TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS dids (
			id TEXT PRIMARY KEY,
			number TEXT UNIQUE NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			trunk_id TEXT NOT NULL DEFAULT '',
			campaign_id TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			dial_prefix TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, full_name, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.Username, user.FullName, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, full_name, password_hash, role, created_at FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.FullName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, full_name, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.FullName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
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

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id)
	return err
}

// --- Trunks ---

func (s *PostgresStore) CreateTrunk(ctx context.Context, tr *Trunk) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO trunks (id, name, host, port, username, secret, dial_prefix, active, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		tr.ID, tr.Name, tr.Host, tr.Port, tr.Username, tr.Secret, tr.DialPrefix, tr.Active, tr.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTrunk(ctx context.Context, id string) (*Trunk, error) {
	var tr Trunk
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, host, port, username, secret, dial_prefix, active, created_at FROM trunks WHERE id = $1", id,
	).Scan(&tr.ID, &tr.Name, &tr.Host, &tr.Port, &tr.Username, &tr.Secret, &tr.DialPrefix, &tr.Active, &tr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &tr, err
}

func (s *PostgresStore) ListTrunks(ctx context.Context) ([]Trunk, error) {
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

func (s *PostgresStore) UpdateTrunk(ctx context.Context, tr *Trunk) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE trunks SET name = $1, host = $2, port = $3, username = $4, secret = $5, dial_prefix = $6, active = $7 WHERE id = $8",
		tr.Name, tr.Host, tr.Port, tr.Username, tr.Secret, tr.DialPrefix, tr.Active, tr.ID,
	)
	return err
}

func (s *PostgresStore) DeleteTrunk(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM trunks WHERE id = $1", id)
	return err
}

// --- DIDs ---

func (s *PostgresStore) CreateDID(ctx context.Context, d *DID) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO dids (id, number, description, trunk_id, campaign_id, active, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		d.ID, d.Number, d.Description, d.TrunkID, d.CampaignID, d.Active, d.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetDID(ctx context.Context, id string) (*DID, error) {
	var d DID
	err := s.db.QueryRowContext(ctx,
		"SELECT id, number, description, trunk_id, campaign_id, active, created_at FROM dids WHERE id = $1", id,
	).Scan(&d.ID, &d.Number, &d.Description, &d.TrunkID, &d.CampaignID, &d.Active, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &d, err
}

func (s *PostgresStore) ListDIDs(ctx context.Context) ([]DID, error) {
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

func (s *PostgresStore) UpdateDID(ctx context.Context, d *DID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE dids SET number = $1, description = $2, trunk_id = $3, campaign_id = $4, active = $5 WHERE id = $6",
		d.Number, d.Description, d.TrunkID, d.CampaignID, d.Active, d.ID,
	)
	return err
}

func (s *PostgresStore) DeleteDID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM dids WHERE id = $1", id)
	return err
}

// --- Campaigns ---

func (s *PostgresStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO campaigns (id, name, description, dial_prefix, active, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		c.ID, c.Name, c.Description, c.DialPrefix, c.Active, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, description, dial_prefix, active, created_at FROM campaigns WHERE id = $1", id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.DialPrefix, &c.Active, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *PostgresStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
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

func (s *PostgresStore) UpdateCampaign(ctx context.Context, c *Campaign) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE campaigns SET name = $1, description = $2, dial_prefix = $3, active = $4 WHERE id = $5",
		c.Name, c.Description, c.DialPrefix, c.Active, c.ID,
	)
	return err
}

func (s *PostgresStore) DeleteCampaign(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM campaigns WHERE id = $1", id)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES ($1, $2, $3, $4, $5)",
		event.ID, event.Action, event.UserID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, user_id, detail, created_at FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2",
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
