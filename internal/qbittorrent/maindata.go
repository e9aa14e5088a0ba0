// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
)

const mainDataPath = "/api/v2/sync/maindata"

// GlobalState holds the daemon-wide counters from server_state.
type GlobalState struct {
	ConnectionStatus     string `json:"connection_status"`
	DlInfoSpeed          int64  `json:"dl_info_speed"`
	DlInfoData           int64  `json:"dl_info_data"`
	DlRateLimit          int64  `json:"dl_rate_limit"`
	UpInfoSpeed          int64  `json:"up_info_speed"`
	UpInfoData           int64  `json:"up_info_data"`
	UpRateLimit          int64  `json:"up_rate_limit"`
	AlltimeDl            int64  `json:"alltime_dl"`
	AlltimeUl            int64  `json:"alltime_ul"`
	DHTNodes             int64  `json:"dht_nodes"`
	TotalPeerConnections int64  `json:"total_peer_connections"`
	FreeSpaceOnDisk      int64  `json:"free_space_on_disk"`
	QueuedIOJobs         int64  `json:"queued_io_jobs"`
	TotalQueuedSize      int64  `json:"total_queued_size"`
	AverageTimeQueue     int64  `json:"average_time_queue"`
	GlobalRatio          string `json:"global_ratio"`
	Queueing             bool   `json:"queueing"`
	UseAltSpeedLimits    bool   `json:"use_alt_speed_limits"`
	UseSubcategories     bool   `json:"use_subcategories"`
	RefreshInterval      int64  `json:"refresh_interval"`
}

// mainData is the maindata payload. Records stay raw so one corrupt entry
// cannot fail the whole response.
type mainData struct {
	Rid               int64                      `json:"rid"`
	FullUpdate        bool                       `json:"full_update"`
	Torrents          map[string]json.RawMessage `json:"torrents"`
	TorrentsRemoved   []json.RawMessage          `json:"torrents_removed"`
	Categories        map[string]json.RawMessage `json:"categories"`
	CategoriesRemoved []json.RawMessage          `json:"categories_removed"`
	Tags              []json.RawMessage          `json:"tags"`
	TagsRemoved       []json.RawMessage          `json:"tags_removed"`
	ServerState       json.RawMessage            `json:"server_state"`
}

func decodeMainData(body []byte) (*mainData, error) {
	var data mainData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Join(ErrMalformedResponse, err)
	}
	return &data, nil
}

// ApplyResult counts what a merge did.
type ApplyResult struct {
	Full      bool
	Updated   int
	Added     int
	Removed   int
	Dropped   int
	Defaulted int
}

// EntityStore is the local mirror of the daemon state. It is not safe for
// concurrent use; SyncManager guards it.
type EntityStore struct {
	torrents    map[string]qbt.Torrent
	categories  map[string]qbt.Category
	tags        map[string]struct{}
	serverState *GlobalState
}

func NewEntityStore() *EntityStore {
	return &EntityStore{
		torrents:   make(map[string]qbt.Torrent),
		categories: make(map[string]qbt.Category),
		tags:       make(map[string]struct{}),
	}
}

type recordOutcome int

const (
	recordOK recordOutcome = iota
	recordDefaulted
	recordDropped
)

// decodeRecord decodes raw onto base. Fields absent from raw keep their
// base value; a field of the wrong type keeps it too. Anything that is
// not a JSON object is dropped.
func decodeRecord[T any](base T, raw json.RawMessage) (T, recordOutcome) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return base, recordDropped
	}

	out := base
	if err := json.Unmarshal(trimmed, &out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return out, recordDefaulted
		}
		return base, recordDropped
	}
	return out, recordOK
}

// Apply merges data into the store. full replaces the torrents, categories
// and tags wholesale; otherwise records are merged field by field and the
// removal lists are applied.
func (s *EntityStore) Apply(data *mainData, full bool) ApplyResult {
	result := ApplyResult{Full: full}

	if full {
		s.torrents = make(map[string]qbt.Torrent, len(data.Torrents))
		s.categories = make(map[string]qbt.Category, len(data.Categories))
		s.tags = make(map[string]struct{}, len(data.Tags))
	}

	s.applyTorrents(data, full, &result)
	s.applyCategories(data, &result)
	s.applyTags(data)
	s.applyServerState(data.ServerState, full)

	return result
}

func (s *EntityStore) applyTorrents(data *mainData, full bool, result *ApplyResult) {
	for hash, raw := range data.Torrents {
		hash = strings.TrimSpace(hash)
		if hash == "" {
			result.Dropped++
			continue
		}

		existing, exists := s.torrents[hash]
		if !exists && !full {
			log.Debug().Str("hash", hash).Msg("Incremental update introduced unknown torrent, adding it")
		}

		base := existing
		base.Trackers = slices.Clone(existing.Trackers)

		merged, outcome := decodeRecord(base, raw)
		switch outcome {
		case recordDropped:
			log.Debug().Str("hash", hash).Msg("Dropping malformed torrent record")
			result.Dropped++
			continue
		case recordDefaulted:
			log.Debug().Str("hash", hash).Msg("Torrent record has fields of the wrong type, keeping previous values")
			result.Defaulted++
		}

		merged.Hash = hash
		s.torrents[hash] = merged

		if exists {
			result.Updated++
		} else {
			result.Added++
		}
	}

	for _, hash := range decodeStrings(data.TorrentsRemoved) {
		if _, ok := s.torrents[hash]; ok {
			delete(s.torrents, hash)
			result.Removed++
		}
	}
}

func (s *EntityStore) applyCategories(data *mainData, result *ApplyResult) {
	for name, raw := range data.Categories {
		if strings.TrimSpace(name) == "" {
			result.Dropped++
			continue
		}

		merged, outcome := decodeRecord(s.categories[name], raw)
		if outcome == recordDropped {
			result.Dropped++
			continue
		}
		merged.Name = name
		s.categories[name] = merged
	}

	for _, name := range decodeStrings(data.CategoriesRemoved) {
		delete(s.categories, name)
	}
}

func (s *EntityStore) applyTags(data *mainData) {
	for _, tag := range decodeStrings(data.Tags) {
		s.tags[tag] = struct{}{}
	}
	for _, tag := range decodeStrings(data.TagsRemoved) {
		delete(s.tags, tag)
	}
}

func (s *EntityStore) applyServerState(raw json.RawMessage, full bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return
	}

	var base GlobalState
	if s.serverState != nil && !full {
		base = *s.serverState
	}

	merged, outcome := decodeRecord(base, trimmed)
	if outcome == recordDropped {
		log.Debug().Msg("Ignoring malformed server_state")
		return
	}
	s.serverState = &merged
}

// decodeStrings keeps the non-empty string elements, skipping anything else.
func decodeStrings(raw []json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var value string
		if err := json.Unmarshal(item, &value); err != nil {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

// snapshot copies the store so readers never share maps with the merge.
func (s *EntityStore) snapshot() (map[string]qbt.Torrent, map[string]qbt.Category, []string, *GlobalState) {
	torrents := maps.Clone(s.torrents)
	categories := maps.Clone(s.categories)

	tags := slices.Collect(maps.Keys(s.tags))
	slices.Sort(tags)

	var state *GlobalState
	if s.serverState != nil {
		cp := *s.serverState
		state = &cp
	}

	return torrents, categories, tags, state
}
