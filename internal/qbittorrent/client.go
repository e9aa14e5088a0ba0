// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	versionPath       = "/api/v2/app/version"
	webAPIVersionPath = "/api/v2/app/webapiVersion"
	buildInfoPath     = "/api/v2/app/buildInfo"

	appInfoCacheTTL = 10 * time.Minute
)

var (
	setTagsMinVersion         = semver.MustParse("2.11.4")
	torrentCreationMinVersion = semver.MustParse("2.11.2")
	exportTorrentMinVersion   = semver.MustParse("2.8.11")
	subcategoriesMinVersion   = semver.MustParse("2.9.0")
	torrentTmpPathMinVersion  = semver.MustParse("2.8.4")
)

type BuildInfo struct {
	Qt         string `json:"qt"`
	Libtorrent string `json:"libtorrent"`
	Boost      string `json:"boost"`
	OpenSSL    string `json:"openssl"`
	Zlib       string `json:"zlib"`
	Bitness    int    `json:"bitness"`
}

// Capabilities are feature gates derived from the WebAPI version.
type Capabilities struct {
	SetTags         bool `json:"setTags"`
	TorrentCreation bool `json:"torrentCreation"`
	TorrentExport   bool `json:"torrentExport"`
	Subcategories   bool `json:"subcategories"`
	TorrentTmpPath  bool `json:"torrentTmpPath"`
}

type AppInfo struct {
	Version       string       `json:"version"`
	WebAPIVersion string       `json:"webapiVersion"`
	BuildInfo     *BuildInfo   `json:"buildInfo,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
}

// probeVersion is the liveness probe: a cheap read that only succeeds with
// a working session.
func probeVersion(ctx context.Context, transport Transport) (string, error) {
	resp, err := transport.Get(ctx, versionPath, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp.Body)), nil
}

// FetchAppInfo collects version, WebAPI version and build info concurrently.
// Build info is optional; older daemons answer 404.
func FetchAppInfo(ctx context.Context, transport Transport) (*AppInfo, error) {
	info := &AppInfo{}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		version, err := probeVersion(gctx, transport)
		if err != nil {
			return errors.Wrap(err, "failed to get app version")
		}
		info.Version = version
		return nil
	})

	g.Go(func() error {
		resp, err := transport.Get(gctx, webAPIVersionPath, nil)
		if err != nil {
			return errors.Wrap(err, "failed to get WebAPI version")
		}
		info.WebAPIVersion = strings.TrimSpace(string(resp.Body))
		return nil
	})

	g.Go(func() error {
		resp, err := transport.Get(gctx, buildInfoPath, nil)
		if err != nil {
			if IsCancelled(err) {
				return err
			}
			log.Debug().Err(err).Msg("Build info unavailable")
			return nil
		}

		var build BuildInfo
		if err := json.Unmarshal(resp.Body, &build); err != nil {
			log.Debug().Err(err).Msg("Failed to decode build info")
			return nil
		}
		info.BuildInfo = &build
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	caps, err := capabilitiesFor(info.WebAPIVersion)
	if err != nil {
		log.Warn().
			Str("webAPIVersion", info.WebAPIVersion).
			Err(err).
			Msg("Failed to parse qBittorrent WebAPI version; capability flags left disabled")
	}
	info.Capabilities = caps

	return info, nil
}

func capabilitiesFor(version string) (Capabilities, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return Capabilities{}, fmt.Errorf("web API version is empty")
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return Capabilities{}, err
	}

	return Capabilities{
		SetTags:         !v.LessThan(setTagsMinVersion),
		TorrentCreation: !v.LessThan(torrentCreationMinVersion),
		TorrentExport:   !v.LessThan(exportTorrentMinVersion),
		Subcategories:   !v.LessThan(subcategoriesMinVersion),
		TorrentTmpPath:  !v.LessThan(torrentTmpPathMinVersion),
	}, nil
}

// AppInfoCache keeps the last probed AppInfo per server.
type AppInfoCache struct {
	cache *ttlcache.Cache[int, *AppInfo]
}

func NewAppInfoCache() *AppInfoCache {
	return &AppInfoCache{
		cache: ttlcache.New(ttlcache.Options[int, *AppInfo]{}.
			SetDefaultTTL(appInfoCacheTTL)),
	}
}

func (c *AppInfoCache) Get(serverID int) (*AppInfo, bool) {
	return c.cache.Get(serverID)
}

func (c *AppInfoCache) Set(serverID int, info *AppInfo) {
	c.cache.Set(serverID, info, ttlcache.DefaultTTL)
}

func (c *AppInfoCache) Invalidate(serverID int) {
	c.cache.Delete(serverID)
}
