// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jeranaias/astrobro/internal/secret"
)

// HouseSystems lists the accepted house systems.
var HouseSystems = []string{
	"Placidus", "Koch", "Equal", "Whole Sign", "Porphyry", "Campanus", "Regiomontanus",
}

// PDFColors lists the accepted report color schemes.
var PDFColors = []string{"light", "mono"}

// Options are a user's general settings.
type Options struct {
	HouseSys       string `json:"house_sys"`
	LangNum        int    `json:"lang_num"`
	PDFColor       string `json:"pdf_color"`
	ShowStats      bool   `json:"show_stats"`
	AIChat         bool   `json:"ai_chat"`
	PreferredModel string `json:"preferred_model"`
}

// DefaultOptions returns the settings of a new user.
func DefaultOptions() Options {
	return Options{
		HouseSys:  "Placidus",
		LangNum:   1,
		PDFColor:  "light",
		ShowStats: true,
		AIChat:    true,
	}
}

// Validate checks that every option is in range.
func (o Options) Validate() error {
	if !contains(HouseSystems, o.HouseSys) {
		return fmt.Errorf("%w: house_sys %q", ErrInvalidOption, o.HouseSys)
	}
	if o.LangNum != 0 && o.LangNum != 1 {
		return fmt.Errorf("%w: lang_num %d", ErrInvalidOption, o.LangNum)
	}
	if !contains(PDFColors, o.PDFColor) {
		return fmt.Errorf("%w: pdf_color %q", ErrInvalidOption, o.PDFColor)
	}
	return nil
}

// OptionsPatch updates the non-nil fields of Options.
type OptionsPatch struct {
	HouseSys       *string `json:"house_sys,omitempty"`
	LangNum        *int    `json:"lang_num,omitempty"`
	PDFColor       *string `json:"pdf_color,omitempty"`
	ShowStats      *bool   `json:"show_stats,omitempty"`
	AIChat         *bool   `json:"ai_chat,omitempty"`
	PreferredModel *string `json:"preferred_model,omitempty"`
}

// Apply returns o with the patch applied.
func (p OptionsPatch) Apply(o Options) Options {
	if p.HouseSys != nil {
		o.HouseSys = *p.HouseSys
	}
	if p.LangNum != nil {
		o.LangNum = *p.LangNum
	}
	if p.PDFColor != nil {
		o.PDFColor = *p.PDFColor
	}
	if p.ShowStats != nil {
		o.ShowStats = *p.ShowStats
	}
	if p.AIChat != nil {
		o.AIChat = *p.AIChat
	}
	if p.PreferredModel != nil {
		o.PreferredModel = strings.TrimSpace(*p.PreferredModel)
	}
	return o
}

// User is a stored account. The API key itself is never exposed here.
type User struct {
	Email     string  `json:"email"`
	Options   Options `json:"options"`
	HasAPIKey bool    `json:"has_api_key"`
}

// CreateUser inserts a user with opts.
func (s *Store) CreateUser(ctx context.Context, email string, opts Options) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (email, house_sys, lang_num, pdf_color, show_stats, ai_chat, preferred_model)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		email, opts.HouseSys, opts.LangNum, opts.PDFColor, opts.ShowStats, opts.AIChat, opts.PreferredModel)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	log.Printf("ARCHIVE_USER_CREATE | email=%s", email)
	return nil
}

// User returns the stored user for email.
func (s *Store) User(ctx context.Context, email string) (*User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	var (
		u   User
		key string
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT email, house_sys, lang_num, pdf_color, show_stats, ai_chat,
		        COALESCE(preferred_model, ''), COALESCE(openrouter_api_key, '')
		 FROM users WHERE email = ?`, email).Scan(
		&u.Email, &u.Options.HouseSys, &u.Options.LangNum, &u.Options.PDFColor,
		&u.Options.ShowStats, &u.Options.AIChat, &u.Options.PreferredModel, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.HasAPIKey = key != ""
	return &u, nil
}

// EnsureUser returns the user for email, creating it with default options
// on first sight.
func (s *Store) EnsureUser(ctx context.Context, email string) (*User, error) {
	u, err := s.User(ctx, email)
	if !errors.Is(err, ErrNotFound) {
		return u, err
	}
	if err := s.CreateUser(ctx, email, DefaultOptions()); err != nil && !errors.Is(err, ErrUserExists) {
		return nil, err
	}
	return s.User(ctx, email)
}

// UpdateOptions applies patch to the user's options.
func (s *Store) UpdateOptions(ctx context.Context, email string, patch OptionsPatch) (*User, error) {
	u, err := s.User(ctx, email)
	if err != nil {
		return nil, err
	}
	opts := patch.Apply(u.Options)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET house_sys = ?, lang_num = ?, pdf_color = ?, show_stats = ?, ai_chat = ?, preferred_model = ?
		 WHERE email = ?`,
		opts.HouseSys, opts.LangNum, opts.PDFColor, opts.ShowStats, opts.AIChat, opts.PreferredModel, u.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to update options: %w", err)
	}
	u.Options = opts
	return u, nil
}

// SetAPIKey stores the user's OpenRouter key, sealed when encryption is
// enabled. An empty key clears it.
func (s *Store) SetAPIKey(ctx context.Context, email, key string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	stored := strings.TrimSpace(key)
	if stored != "" && s.sealer != nil {
		if stored, err = s.sealer.Seal(stored); err != nil {
			return err
		}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET openrouter_api_key = ? WHERE email = ?`, stored, email)
	if err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	log.Printf("ARCHIVE_API_KEY | email=%s set=%t encrypted=%t", email, stored != "", s.sealer != nil)
	return nil
}

// APIKey returns the user's OpenRouter key, or "" when none is stored.
func (s *Store) APIKey(ctx context.Context, email string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	var stored string
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(openrouter_api_key, '') FROM users WHERE email = ?`, email).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load api key: %w", err)
	}
	if s.sealer == nil {
		if secret.IsEncrypted(stored) {
			return "", ErrKeyLocked
		}
		return stored, nil
	}
	return s.sealer.Open(stored)
}
