// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package archive

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/astrobro/internal/secret"

	_ "modernc.org/sqlite"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a chart or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUserExists is returned by CreateUser for a known email.
	ErrUserExists = errors.New("user already exists")

	// ErrInvalidEmail is returned for blank owner emails.
	ErrInvalidEmail = errors.New("email is required")

	// ErrInvalidSnapshot is returned when a snapshot fails validation.
	ErrInvalidSnapshot = errors.New("invalid chart snapshot")

	// ErrInvalidOption is returned when an option value is out of range.
	ErrInvalidOption = errors.New("invalid option")

	// ErrKeyLocked is returned when a sealed API key is read without
	// encryption enabled.
	ErrKeyLocked = errors.New("api key is encrypted and no secret is configured")
)

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite archive of charts and users.
type Store struct {
	db     *sql.DB
	sealer *secret.Sealer
	now    func() time.Time
}

// Open opens (or creates) the archive at path and runs migrations.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps
	// ":memory:" databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db, now: time.Now}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies pending migrations and returns the names of those that
// changed the schema. Running it again is a no-op.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	var applied []string
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return applied, fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Printf("ARCHIVE_MIGRATE | name=%s", m.name)
		applied = append(applied, m.name)
	}
	return applied, nil
}

// EnableEncryption derives a sealing key from passphrase so that stored
// API keys are encrypted at rest. The salt is generated once and kept in
// the meta table. iterations <= 0 uses secret.DefaultIterations.
func (s *Store) EnableEncryption(ctx context.Context, passphrase string, iterations int) error {
	salt, err := s.loadSalt(ctx)
	if err != nil {
		return err
	}
	sealer, err := secret.NewSealer(passphrase, salt, iterations)
	if err != nil {
		return err
	}
	s.sealer = sealer
	return nil
}

// Encrypted reports whether API keys are sealed before storage.
func (s *Store) Encrypted() bool {
	return s.sealer != nil
}

func (s *Store) loadSalt(ctx context.Context) ([]byte, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'secret_salt'`).Scan(&encoded)
	if err == nil {
		return base64.StdEncoding.DecodeString(encoded)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	salt, err := secret.GenerateSalt()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('secret_salt', ?)`,
		base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("failed to store salt: %w", err)
	}
	return salt, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	return email, nil
}
