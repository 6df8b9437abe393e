// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SaveResult tells whether SaveChart inserted or replaced a chart.
type SaveResult string

const (
	Created     SaveResult = "create"
	Overwritten SaveResult = "overwrite"
)

// Chart is a stored snapshot with its identity.
type Chart struct {
	Hash      string    `json:"hash"`
	Email     string    `json:"email"`
	Snapshot  Snapshot  `json:"snapshot"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveChart stores snap for email, overwriting any chart with the same
// identity hash. It returns the result and the hash.
func (s *Store) SaveChart(ctx context.Context, email string, snap Snapshot) (SaveResult, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", "", err
	}
	if snap.ChartType == "" {
		snap.ChartType = "natal"
	}
	if err := snap.Validate(); err != nil {
		return "", "", err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	hash := snap.Hash()
	now := s.now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE charts SET data = ?, chart_type = ?, updated_at = ? WHERE email = ? AND hash = ?`,
		string(data), snap.ChartType, now, email, hash)
	if err != nil {
		return "", "", fmt.Errorf("failed to update chart: %w", err)
	}
	result := Overwritten
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO charts (email, hash, data, chart_type, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			email, hash, string(data), snap.ChartType, now, now); err != nil {
			return "", "", fmt.Errorf("failed to insert chart: %w", err)
		}
		result = Created
	}
	if err := tx.Commit(); err != nil {
		return "", "", err
	}

	log.Printf("ARCHIVE_SAVE | email=%s hash=%s result=%s", email, shortHash(hash), result)
	return result, hash, nil
}

// LoadChart returns the chart with hash owned by email.
func (s *Store) LoadChart(ctx context.Context, email, hash string) (*Chart, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, email, data, created_at, updated_at FROM charts WHERE email = ? AND hash = ?`,
		email, hash)
	c, err := scanChart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// HashExists reports whether email has a chart with hash.
func (s *Store) HashExists(ctx context.Context, email, hash string) (bool, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM charts WHERE email = ? AND hash = ?`, email, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// DeleteChart removes a chart. Deleting a missing chart returns ErrNotFound.
func (s *Store) DeleteChart(ctx context.Context, email, hash string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM charts WHERE hash = ? AND email = ?`, hash, email)
	if err != nil {
		return fmt.Errorf("failed to delete chart: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	log.Printf("ARCHIVE_DELETE | email=%s hash=%s", email, shortHash(hash))
	return nil
}

// ListCharts returns the charts owned by email, most recently updated
// first. An empty chartType lists every type.
func (s *Store) ListCharts(ctx context.Context, email, chartType string) ([]Chart, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	query := `SELECT hash, email, data, created_at, updated_at FROM charts WHERE email = ?`
	args := []any{email}
	if chartType != "" {
		query += ` AND chart_type = ?`
		args = append(args, chartType)
	}
	query += ` ORDER BY updated_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list charts: %w", err)
	}
	defer rows.Close()

	var charts []Chart
	for rows.Next() {
		c, err := scanChart(rows)
		if err != nil {
			return nil, err
		}
		charts = append(charts, *c)
	}
	return charts, rows.Err()
}

// SearchCharts returns the charts of email whose names or cities contain
// query. Matching ignores case and diacritics, so "sao" finds "São Paulo".
func (s *Store) SearchCharts(ctx context.Context, email, query string) ([]Chart, error) {
	charts, err := s.ListCharts(ctx, email, "")
	if err != nil {
		return nil, err
	}
	needle := Fold(query)
	if needle == "" {
		return charts, nil
	}

	var matches []Chart
	for _, c := range charts {
		fields := []string{c.Snapshot.Person1.Name, c.Snapshot.Person1.City}
		if p := c.Snapshot.Person2; p != nil {
			fields = append(fields, p.Name, p.City)
		}
		for _, f := range fields {
			if strings.Contains(Fold(f), needle) {
				matches = append(matches, c)
				break
			}
		}
	}
	return matches, nil
}

// Fold lowercases s and strips combining marks.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChart(row rowScanner) (*Chart, error) {
	var (
		c                Chart
		data             string
		created, updated int64
	)
	if err := row.Scan(&c.Hash, &c.Email, &data, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &c.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode chart %s: %w", shortHash(c.Hash), err)
	}
	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
