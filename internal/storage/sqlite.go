package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/idfront/internal/emailutil"
	"github.com/dgellow/idfront/internal/log"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Ensure SQLiteStorage implements the Storage interface
var _ Storage = (*SQLiteStorage)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	first_name    TEXT NOT NULL DEFAULT '',
	last_name     TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	email_norm    TEXT NOT NULL DEFAULT '',
	password_hash BLOB,
	active        INTEGER NOT NULL DEFAULT 1,
	is_admin      INTEGER NOT NULL DEFAULT 0,
	fields        TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS users_email_norm ON users(email_norm);

CREATE TABLE IF NOT EXISTS bindings (
	issuer      TEXT NOT NULL,
	internal_id TEXT NOT NULL,
	provider    TEXT NOT NULL DEFAULT '',
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	PRIMARY KEY (issuer, internal_id)
);
CREATE INDEX IF NOT EXISTS bindings_user ON bindings(user_id);

CREATE TABLE IF NOT EXISTS avatars (
	user_id    TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	filename   TEXT NOT NULL,
	media_type TEXT NOT NULL,
	data       BLOB NOT NULL,
	mod_time   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	ref        TEXT PRIMARY KEY,
	media_type TEXT NOT NULL,
	data       BLOB NOT NULL,
	mod_time   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS providers (
	name            TEXT PRIMARY KEY,
	kind            TEXT NOT NULL DEFAULT '',
	order_hint      INTEGER NOT NULL DEFAULT 0,
	vals            TEXT NOT NULL DEFAULT '{}',
	login_template  TEXT NOT NULL DEFAULT '',
	template_syntax TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStorage implements Storage on a SQLite database through sqlx
type SQLiteStorage struct {
	db *sqlx.DB
}

type userRow struct {
	ID           string `db:"id"`
	Username     string `db:"username"`
	FirstName    string `db:"first_name"`
	LastName     string `db:"last_name"`
	Email        string `db:"email"`
	EmailNorm    string `db:"email_norm"`
	PasswordHash []byte `db:"password_hash"`
	Active       bool   `db:"active"`
	IsAdmin      bool   `db:"is_admin"`
	Fields       string `db:"fields"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

type bindingRow struct {
	Binding
	UserID string `db:"user_id"`
}

type blobRow struct {
	Key       string `db:"blob_key"`
	Filename  string `db:"filename"`
	MediaType string `db:"media_type"`
	Data      []byte `db:"data"`
	ModTime   int64  `db:"mod_time"`
}

type providerRow struct {
	Name           string `db:"name"`
	Kind           string `db:"kind"`
	OrderHint      int    `db:"order_hint"`
	Values         string `db:"vals"`
	LoginTemplate  string `db:"login_template"`
	TemplateSyntax string `db:"template_syntax"`
}

// NewSQLiteStorage opens (and migrates) the database at path. ":memory:"
// gives a private in-process database.
func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.LogInfoWithFields("storage", "Opened SQLite storage", map[string]any{"path": path})
	return &SQLiteStorage{db: db}, nil
}

// Close closes the underlying database
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) loadUser(ctx context.Context, q sqlx.QueryerContext, row userRow) (*User, error) {
	user := &User{
		ID:           row.ID,
		Username:     row.Username,
		FirstName:    row.FirstName,
		LastName:     row.LastName,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		Active:       row.Active,
		IsAdmin:      row.IsAdmin,
		CreatedAt:    time.Unix(0, row.CreatedAt),
		UpdatedAt:    time.Unix(0, row.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(row.Fields), &user.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields of user %s: %w", row.ID, err)
	}
	if len(user.Fields) == 0 {
		user.Fields = nil
	}

	var bindings []bindingRow
	if err := sqlx.SelectContext(ctx, q, &bindings,
		`SELECT issuer, internal_id, provider, user_id FROM bindings WHERE user_id = ? ORDER BY rowid`, row.ID); err != nil {
		return nil, fmt.Errorf("loading bindings of user %s: %w", row.ID, err)
	}
	for _, b := range bindings {
		user.Bindings = append(user.Bindings, b.Binding)
	}
	return user, nil
}

// GetUser returns the user with the given id
func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return s.loadUser(ctx, s.db, row)
}

// FindUserByBinding returns the user bound to (issuer, internalID)
func (s *SQLiteStorage) FindUserByBinding(ctx context.Context, issuer, internalID string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `
		SELECT u.* FROM users u
		JOIN bindings b ON b.user_id = u.id
		WHERE b.issuer = ? AND b.internal_id = ?`, issuer, internalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user by binding: %w", err)
	}
	return s.loadUser(ctx, s.db, row)
}

// FindUsersByEmail returns users whose email matches, oldest first
func (s *SQLiteStorage) FindUsersByEmail(ctx context.Context, email string) ([]*User, error) {
	normalized := emailutil.Normalize(email)
	if normalized == "" {
		return nil, nil
	}

	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM users WHERE email_norm = ? ORDER BY created_at, id`, normalized); err != nil {
		return nil, fmt.Errorf("find users by email: %w", err)
	}

	users := make([]*User, 0, len(rows))
	for _, row := range rows {
		user, err := s.loadUser(ctx, s.db, row)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

// UsernameExists reports whether a user already has username
func (s *SQLiteStorage) UsernameExists(ctx context.Context, username string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users WHERE username = ?`, username); err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return n > 0, nil
}

func toUserRow(user *User) (userRow, error) {
	fields := user.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return userRow{}, fmt.Errorf("encoding fields: %w", err)
	}
	return userRow{
		ID:           user.ID,
		Username:     user.Username,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		Email:        user.Email,
		EmailNorm:    emailutil.Normalize(user.Email),
		PasswordHash: user.PasswordHash,
		Active:       user.Active,
		IsAdmin:      user.IsAdmin,
		Fields:       string(encoded),
		CreatedAt:    user.CreatedAt.UnixNano(),
		UpdatedAt:    user.UpdatedAt.UnixNano(),
	}, nil
}

func writeBindings(ctx context.Context, tx *sqlx.Tx, user *User) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM bindings WHERE user_id = ?`, user.ID); err != nil {
		return fmt.Errorf("clear bindings: %w", err)
	}
	for _, b := range user.Bindings {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO bindings (issuer, internal_id, provider, user_id)
			VALUES (:issuer, :internal_id, :provider, :user_id)
			ON CONFLICT (issuer, internal_id) DO UPDATE SET provider = excluded.provider, user_id = excluded.user_id`,
			bindingRow{Binding: b, UserID: user.ID}); err != nil {
			return fmt.Errorf("write binding %s: %w", b.Key(), err)
		}
	}
	return nil
}

// CreateUser stores a new user
func (s *SQLiteStorage) CreateUser(ctx context.Context, user *User, avatar *Avatar) error {
	exists, err := s.UsernameExists(ctx, user.Username)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	row, err := toUserRow(user)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO users (id, username, first_name, last_name, email, email_norm, password_hash,
			active, is_admin, fields, created_at, updated_at)
		VALUES (:id, :username, :first_name, :last_name, :email, :email_norm, :password_hash,
			:active, :is_admin, :fields, :created_at, :updated_at)`, row); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if err := writeBindings(ctx, tx, user); err != nil {
		return err
	}
	if avatar != nil {
		if err := upsertAvatar(ctx, tx, user.ID, avatar); err != nil {
			return fmt.Errorf("insert avatar: %w", err)
		}
	}
	return tx.Commit()
}

// SaveUser replaces an existing user
func (s *SQLiteStorage) SaveUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now()
	row, err := toUserRow(user)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.NamedExecContext(ctx, `
		UPDATE users SET username = :username, first_name = :first_name, last_name = :last_name,
			email = :email, email_norm = :email_norm, password_hash = :password_hash,
			active = :active, is_admin = :is_admin, fields = :fields, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.username") {
			return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
		}
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	if err := writeBindings(ctx, tx, user); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAvatar returns the user's avatar or nil
func (s *SQLiteStorage) GetAvatar(ctx context.Context, userID string) (*Avatar, error) {
	var row blobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT user_id AS blob_key, filename, media_type, data, mod_time FROM avatars WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get avatar: %w", err)
	}
	return &Avatar{
		Filename:  row.Filename,
		MediaType: row.MediaType,
		Data:      row.Data,
		ModTime:   time.Unix(0, row.ModTime),
	}, nil
}

// SetAvatar replaces the user's avatar
func (s *SQLiteStorage) SetAvatar(ctx context.Context, userID string, avatar *Avatar) error {
	if err := upsertAvatar(ctx, s.db, userID, avatar); err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrUserNotFound
		}
		return fmt.Errorf("set avatar: %w", err)
	}
	return nil
}

func upsertAvatar(ctx context.Context, db sqlx.ExtContext, userID string, avatar *Avatar) error {
	_, err := sqlx.NamedExecContext(ctx, db, `
		INSERT INTO avatars (user_id, filename, media_type, data, mod_time)
		VALUES (:blob_key, :filename, :media_type, :data, :mod_time)
		ON CONFLICT (user_id) DO UPDATE SET filename = excluded.filename,
			media_type = excluded.media_type, data = excluded.data, mod_time = excluded.mod_time`,
		blobRow{
			Key:       userID,
			Filename:  avatar.Filename,
			MediaType: avatar.MediaType,
			Data:      avatar.Data,
			ModTime:   avatar.ModTime.UnixNano(),
		})
	return err
}

// GetAttachment returns the attachment stored under ref
func (s *SQLiteStorage) GetAttachment(ctx context.Context, ref string) (*Attachment, error) {
	var row blobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT ref AS blob_key, media_type, data, mod_time FROM attachments WHERE ref = ?`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &Attachment{
		Ref:       row.Key,
		MediaType: row.MediaType,
		Data:      row.Data,
		ModTime:   time.Unix(0, row.ModTime),
	}, nil
}

// PutAttachment stores or replaces an attachment
func (s *SQLiteStorage) PutAttachment(ctx context.Context, attachment *Attachment) error {
	if attachment.Ref == "" {
		return fmt.Errorf("attachment ref is required")
	}
	modTime := attachment.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO attachments (ref, media_type, data, mod_time)
		VALUES (:blob_key, :media_type, :data, :mod_time)
		ON CONFLICT (ref) DO UPDATE SET media_type = excluded.media_type,
			data = excluded.data, mod_time = excluded.mod_time`,
		blobRow{Key: attachment.Ref, MediaType: attachment.MediaType, Data: attachment.Data, ModTime: modTime.UnixNano()})
	if err != nil {
		return fmt.Errorf("put attachment: %w", err)
	}
	return nil
}

// ListProviderConfigs returns the stored provider configurations in
// insertion order
func (s *SQLiteStorage) ListProviderConfigs(ctx context.Context) ([]ProviderConfig, error) {
	var rows []providerRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT name, kind, order_hint, vals, login_template, template_syntax FROM providers ORDER BY rowid`); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	configs := make([]ProviderConfig, 0, len(rows))
	for _, row := range rows {
		cfg := ProviderConfig{
			Name:           row.Name,
			Kind:           row.Kind,
			OrderHint:      row.OrderHint,
			ConfigRef:      "sqlite:providers/" + row.Name,
			LoginTemplate:  row.LoginTemplate,
			TemplateSyntax: row.TemplateSyntax,
		}
		if err := json.Unmarshal([]byte(row.Values), &cfg.Values); err != nil {
			log.LogErrorWithFields("storage", "Skipping provider with unreadable values", map[string]any{
				"provider": row.Name,
				"error":    err.Error(),
			})
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// PutProviderConfig adds or replaces the configuration named cfg.Name
func (s *SQLiteStorage) PutProviderConfig(ctx context.Context, cfg ProviderConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	values := cfg.Values
	if values == nil {
		values = map[string]string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding provider values: %w", err)
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO providers (name, kind, order_hint, vals, login_template, template_syntax)
		VALUES (:name, :kind, :order_hint, :vals, :login_template, :template_syntax)
		ON CONFLICT (name) DO UPDATE SET kind = excluded.kind, order_hint = excluded.order_hint,
			vals = excluded.vals, login_template = excluded.login_template,
			template_syntax = excluded.template_syntax`,
		providerRow{
			Name:           cfg.Name,
			Kind:           cfg.Kind,
			OrderHint:      cfg.OrderHint,
			Values:         string(encoded),
			LoginTemplate:  cfg.LoginTemplate,
			TemplateSyntax: cfg.TemplateSyntax,
		})
	if err != nil {
		return fmt.Errorf("put provider: %w", err)
	}
	return nil
}

// DeleteProviderConfig removes the configuration named name
func (s *SQLiteStorage) DeleteProviderConfig(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return nil
}
