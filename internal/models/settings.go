// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/autobrr/qui-remote/internal/dbinterface"
)

const (
	settingActiveServer   = "active_server_id"
	settingEncryptionSalt = "encryption_salt"
)

// SettingsStore is a small key/value table for process-wide state such as
// the active-server marker.
type SettingsStore struct {
	db dbinterface.Querier
}

func NewSettingsStore(db dbinterface.Querier) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

// ActiveServer returns the id of the server that was last connected successfully.
func (s *SettingsStore) ActiveServer(ctx context.Context) (int, bool, error) {
	value, ok, err := s.Get(ctx, settingActiveServer)
	if err != nil || !ok {
		return 0, false, err
	}

	id, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("invalid active server marker %q: %w", value, err)
	}
	return id, true, nil
}

func (s *SettingsStore) SetActiveServer(ctx context.Context, id int) error {
	return s.Set(ctx, settingActiveServer, strconv.Itoa(id))
}

func (s *SettingsStore) ClearActiveServer(ctx context.Context) error {
	return s.Delete(ctx, settingActiveServer)
}

// EncryptionSalt returns the persisted key-derivation salt, creating it on first use.
func (s *SettingsStore) EncryptionSalt(ctx context.Context) ([]byte, error) {
	value, ok, err := s.Get(ctx, settingEncryptionSalt)
	if err != nil {
		return nil, err
	}
	if ok {
		return base64.StdEncoding.DecodeString(value)
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := s.Set(ctx, settingEncryptionSalt, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}
