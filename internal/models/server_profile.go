// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/autobrr/qui-remote/internal/dbinterface"
	"github.com/autobrr/qui-remote/internal/domain"
)

var ErrServerProfileNotFound = errors.New("server profile not found")

// ServerProfile describes one remote qBittorrent daemon. Password is only
// populated on profiles returned by Get/GetByName; it is stored encrypted.
type ServerProfile struct {
	ID              int
	Name            string
	Host            string
	Port            int
	BasePath        string
	Username        string
	Password        string
	UseHTTPS        bool
	BypassAuth      bool
	TLSSkipVerify   bool
	LastConnectedAt *time.Time
}

func (p ServerProfile) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		ID              int        `json:"id"`
		Name            string     `json:"name"`
		Host            string     `json:"host"`
		Port            int        `json:"port,omitempty"`
		BasePath        string     `json:"basePath,omitempty"`
		Username        string     `json:"username,omitempty"`
		Password        string     `json:"password,omitempty"`
		UseHTTPS        bool       `json:"useHttps"`
		BypassAuth      bool       `json:"bypassAuth"`
		TLSSkipVerify   bool       `json:"tlsSkipVerify"`
		LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty"`
	}{
		ID:              p.ID,
		Name:            p.Name,
		Host:            p.Host,
		Port:            p.Port,
		BasePath:        p.BasePath,
		Username:        p.Username,
		Password:        domain.RedactString(p.Password),
		UseHTTPS:        p.UseHTTPS,
		BypassAuth:      p.BypassAuth,
		TLSSkipVerify:   p.TLSSkipVerify,
		LastConnectedAt: p.LastConnectedAt,
	})
}

// BaseURL composes scheme, host, optional port and optional base path.
func (p ServerProfile) BaseURL() (string, error) {
	host := strings.TrimSpace(p.Host)
	if host == "" {
		return "", errors.New("host cannot be empty")
	}

	scheme := "http"
	if p.UseHTTPS {
		scheme = "https"
	}

	hostPort := host
	if p.Port > 0 {
		hostPort = net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(p.Port))
	} else if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		hostPort = "[" + host + "]"
	}

	u := url.URL{
		Scheme: scheme,
		Host:   hostPort,
		Path:   normalizeBasePath(p.BasePath),
	}

	return u.String(), nil
}

// Address is the profile's endpoint without credentials, for logs and listings.
func (p ServerProfile) Address() string {
	base, err := p.BaseURL()
	if err != nil {
		return p.Host
	}
	return base
}

func normalizeBasePath(basePath string) string {
	basePath = strings.Trim(strings.TrimSpace(basePath), "/")
	if basePath == "" {
		return ""
	}
	return "/" + basePath
}

// ParseServerAddress splits a user-entered address such as
// "https://seedbox:8443/qbt" into the profile's host, port, base path and scheme.
func ParseServerAddress(raw string) (ServerProfile, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ServerProfile{}, errors.New("host cannot be empty")
	}

	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ServerProfile{}, fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return ServerProfile{}, fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	if u.Hostname() == "" {
		return ServerProfile{}, errors.New("URL must include a host")
	}

	host := u.Hostname()
	// internationalized names are stored in their ASCII form so they can be dialed
	if !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return ServerProfile{}, fmt.Errorf("invalid host %q: %w", host, err)
		}
		host = ascii
	}

	profile := ServerProfile{
		Host:     host,
		BasePath: normalizeBasePath(u.Path),
		UseHTTPS: u.Scheme == "https",
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return ServerProfile{}, fmt.Errorf("invalid port %q", portStr)
		}
		profile.Port = port
	}

	return profile, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func validateProfile(p *ServerProfile) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("name cannot be empty")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	p.BasePath = normalizeBasePath(p.BasePath)
	if _, err := p.BaseURL(); err != nil {
		return err
	}
	return nil
}

type ServerProfileStore struct {
	db     dbinterface.Querier
	sealer *sealer
}

func NewServerProfileStore(db dbinterface.Querier, encryptionKey []byte) (*ServerProfileStore, error) {
	s, err := newSealer(encryptionKey)
	if err != nil {
		return nil, err
	}

	return &ServerProfileStore{
		db:     db,
		sealer: s,
	}, nil
}

const profileColumns = `id, name, host, port, base_path, username, password_encrypted, use_https, bypass_auth, tls_skip_verify, last_connected_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*ServerProfile, string, error) {
	var (
		p                 ServerProfile
		passwordEncrypted string
		lastConnected     sql.NullTime
	)

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Host,
		&p.Port,
		&p.BasePath,
		&p.Username,
		&passwordEncrypted,
		&p.UseHTTPS,
		&p.BypassAuth,
		&p.TLSSkipVerify,
		&lastConnected,
	)
	if err != nil {
		return nil, "", err
	}

	if lastConnected.Valid {
		t := lastConnected.Time
		p.LastConnectedAt = &t
	}

	return &p, passwordEncrypted, nil
}

func (s *ServerProfileStore) Create(ctx context.Context, profile ServerProfile) (*ServerProfile, error) {
	if err := validateProfile(&profile); err != nil {
		return nil, err
	}

	encryptedPassword, err := s.sealer.encrypt(profile.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	var id int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO server_profiles (name, host, port, base_path, username, password_encrypted, use_https, bypass_auth, tls_skip_verify)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		profile.Name,
		profile.Host,
		profile.Port,
		profile.BasePath,
		profile.Username,
		encryptedPassword,
		profile.UseHTTPS,
		profile.BypassAuth,
		profile.TLSSkipVerify,
	).Scan(&id)
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// Get returns the profile with its password decrypted.
func (s *ServerProfileStore) Get(ctx context.Context, id int) (*ServerProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM server_profiles WHERE id = ?`, id)
	return s.scanDecrypted(row)
}

func (s *ServerProfileStore) GetByName(ctx context.Context, name string) (*ServerProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM server_profiles WHERE name = ? COLLATE NOCASE`, strings.TrimSpace(name))
	return s.scanDecrypted(row)
}

// Resolve looks a profile up by numeric id first, then by name.
func (s *ServerProfileStore) Resolve(ctx context.Context, ref string) (*ServerProfile, error) {
	if id, err := strconv.Atoi(strings.TrimSpace(ref)); err == nil {
		profile, err := s.Get(ctx, id)
		if !errors.Is(err, ErrServerProfileNotFound) {
			return profile, err
		}
	}
	return s.GetByName(ctx, ref)
}

func (s *ServerProfileStore) scanDecrypted(row rowScanner) (*ServerProfile, error) {
	profile, passwordEncrypted, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrServerProfileNotFound
		}
		return nil, err
	}

	profile.Password, err = s.sealer.decrypt(passwordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("server profile %d: %w", profile.ID, err)
	}

	return profile, nil
}

// List returns all profiles without decrypting passwords.
func (s *ServerProfileStore) List(ctx context.Context) ([]*ServerProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM server_profiles ORDER BY name COLLATE NOCASE ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*ServerProfile
	for rows.Next() {
		profile, _, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return profiles, nil
}

// Update rewrites the profile. An empty password keeps the stored one.
func (s *ServerProfileStore) Update(ctx context.Context, profile ServerProfile) (*ServerProfile, error) {
	if err := validateProfile(&profile); err != nil {
		return nil, err
	}

	query := `UPDATE server_profiles SET name = ?, host = ?, port = ?, base_path = ?, username = ?, use_https = ?, bypass_auth = ?, tls_skip_verify = ?`
	args := []any{
		profile.Name,
		profile.Host,
		profile.Port,
		profile.BasePath,
		profile.Username,
		profile.UseHTTPS,
		profile.BypassAuth,
		profile.TLSSkipVerify,
	}

	if profile.Password != "" && !domain.IsRedactedString(profile.Password) {
		encryptedPassword, err := s.sealer.encrypt(profile.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt password: %w", err)
		}
		query += ", password_encrypted = ?"
		args = append(args, encryptedPassword)
	}

	query += " WHERE id = ?"
	args = append(args, profile.ID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrServerProfileNotFound
	}

	return s.Get(ctx, profile.ID)
}

func (s *ServerProfileStore) TouchLastConnected(ctx context.Context, id int, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE server_profiles SET last_connected_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrServerProfileNotFound
	}
	return nil
}

func (s *ServerProfileStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM server_profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrServerProfileNotFound
	}

	return nil
}
