// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"
)

const exprCacheTTL = 5 * time.Minute

// FilterOptions narrows a view. Empty fields match everything; within a
// field any listed value matches.
type FilterOptions struct {
	Search     string   `json:"search,omitempty"`
	Status     []string `json:"status,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Expr       string   `json:"expr,omitempty"`
}

type TorrentQuery struct {
	Filters FilterOptions
	Sort    string
	Order   string
	Limit   int
	Offset  int
}

// TorrentStats represents aggregated torrent statistics
type TorrentStats struct {
	Total              int   `json:"total"`
	Downloading        int   `json:"downloading"`
	Seeding            int   `json:"seeding"`
	Paused             int   `json:"paused"`
	Error              int   `json:"error"`
	Checking           int   `json:"checking"`
	TotalDownloadSpeed int64 `json:"totalDownloadSpeed"`
	TotalUploadSpeed   int64 `json:"totalUploadSpeed"`
	TotalSize          int64 `json:"totalSize"`
	TotalRemainingSize int64 `json:"totalRemainingSize"`
	TotalSeedingSize   int64 `json:"totalSeedingSize"`
}

// TorrentCounts is the per status, category and tag breakdown of a view.
type TorrentCounts struct {
	Status     map[string]int `json:"status"`
	Categories map[string]int `json:"categories"`
	Tags       map[string]int `json:"tags"`
	Total      int            `json:"total"`
}

type QueryResult struct {
	Torrents []qbt.Torrent `json:"torrents"`
	Total    int           `json:"total"`
	Stats    *TorrentStats `json:"stats"`
	HasMore  bool          `json:"hasMore"`
}

var torrentStateCategories = map[qbt.TorrentFilter][]qbt.TorrentState{
	qbt.TorrentFilterDownloading:        {qbt.TorrentStateDownloading, qbt.TorrentStateStalledDl, qbt.TorrentStateMetaDl, qbt.TorrentStateQueuedDl, qbt.TorrentStateAllocating, qbt.TorrentStateCheckingDl, qbt.TorrentStateForcedDl},
	qbt.TorrentFilterUploading:          {qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateCheckingUp, qbt.TorrentStateForcedUp},
	qbt.TorrentFilter("seeding"):        {qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateCheckingUp, qbt.TorrentStateForcedUp},
	qbt.TorrentFilterPaused:             {qbt.TorrentStatePausedDl, qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedDl, qbt.TorrentStateStoppedUp},
	qbt.TorrentFilterActive:             {qbt.TorrentStateDownloading, qbt.TorrentStateUploading, qbt.TorrentStateForcedDl, qbt.TorrentStateForcedUp},
	qbt.TorrentFilterStalled:            {qbt.TorrentStateStalledDl, qbt.TorrentStateStalledUp},
	qbt.TorrentFilterChecking:           {qbt.TorrentStateCheckingDl, qbt.TorrentStateCheckingUp, qbt.TorrentStateCheckingResumeData},
	qbt.TorrentFilterError:              {qbt.TorrentStateError, qbt.TorrentStateMissingFiles},
	qbt.TorrentFilterMoving:             {qbt.TorrentStateMoving},
	qbt.TorrentFilterStalledUploading:   {qbt.TorrentStateStalledUp},
	qbt.TorrentFilterStalledDownloading: {qbt.TorrentStateStalledDl},
	qbt.TorrentFilterStopped:            {qbt.TorrentStateStoppedDl, qbt.TorrentStateStoppedUp},
	// TorrentFilterRunning is handled specially in matchTorrentStatus as inverse of stopped
}

var torrentStateSortOrder = map[qbt.TorrentState]int{
	qbt.TorrentStateDownloading:        20,
	qbt.TorrentStateMetaDl:             21,
	qbt.TorrentStateForcedDl:           22,
	qbt.TorrentStateAllocating:         23,
	qbt.TorrentStateCheckingDl:         24,
	qbt.TorrentStateQueuedDl:           25,
	qbt.TorrentStateStalledDl:          30,
	qbt.TorrentStateUploading:          40,
	qbt.TorrentStateForcedUp:           41,
	qbt.TorrentStateStoppedDl:          42,
	qbt.TorrentStateStoppedUp:          43,
	qbt.TorrentStateQueuedUp:           44,
	qbt.TorrentStateStalledUp:          45,
	qbt.TorrentStatePausedDl:           50,
	qbt.TorrentStatePausedUp:           51,
	qbt.TorrentStateCheckingUp:         60,
	qbt.TorrentStateCheckingResumeData: 61,
	qbt.TorrentStateMoving:             70,
	qbt.TorrentStateError:              80,
	qbt.TorrentStateMissingFiles:       81,
}

// TorrentFilter runs queries over a View. Compiled expressions are cached.
type TorrentFilter struct {
	exprCache *ttlcache.Cache[string, *vm.Program]
}

func NewTorrentFilter() *TorrentFilter {
	return &TorrentFilter{
		exprCache: ttlcache.New(ttlcache.Options[string, *vm.Program]{}.
			SetDefaultTTL(exprCacheTTL)),
	}
}

func (f *TorrentFilter) compile(source string) (*vm.Program, error) {
	if program, ok := f.exprCache.Get(source); ok {
		log.Trace().Str("expr", source).Msg("Using cached expression")
		return program, nil
	}

	program, err := expr.Compile(source, expr.Env(qbt.Torrent{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", err)
	}

	if ok := f.exprCache.Set(source, program, exprCacheTTL); !ok {
		log.Warn().Str("expr", source).Msg("Failed to cache expression")
	}
	return program, nil
}

// Query filters, sorts and pages the torrents of view.
func (f *TorrentFilter) Query(view *View, q TorrentQuery) (*QueryResult, error) {
	torrents := view.TorrentList()

	var program *vm.Program
	if source := strings.TrimSpace(q.Filters.Expr); source != "" {
		var err error
		if program, err = f.compile(source); err != nil {
			return nil, err
		}
	}

	torrents = filterTorrentsBySearch(torrents, q.Filters.Search)

	filtered := make([]qbt.Torrent, 0, len(torrents))
	for _, torrent := range torrents {
		if !matchesFilters(torrent, q.Filters) {
			continue
		}

		if program != nil {
			result, err := expr.Run(program, torrent)
			if err != nil {
				log.Debug().Err(err).Str("hash", torrent.Hash).Msg("Failed to evaluate expression")
				continue
			}
			if matched, ok := result.(bool); !ok || !matched {
				continue
			}
		}

		filtered = append(filtered, torrent)
	}

	// search results keep their relevance order unless a sort is requested
	if q.Sort != "" || q.Filters.Search == "" {
		sortTorrents(filtered, q.Sort, strings.EqualFold(q.Order, "desc"))
	}

	result := &QueryResult{
		Total: len(filtered),
		Stats: calculateStats(filtered),
	}

	start := min(max(q.Offset, 0), len(filtered))
	end := len(filtered)
	if q.Limit > 0 {
		end = min(start+q.Limit, len(filtered))
	}
	result.Torrents = filtered[start:end]
	result.HasMore = end < len(filtered)

	return result, nil
}

func matchesFilters(torrent qbt.Torrent, filters FilterOptions) bool {
	if len(filters.Status) > 0 && !slices.ContainsFunc(filters.Status, func(status string) bool {
		return matchTorrentStatus(torrent, status)
	}) {
		return false
	}

	if len(filters.Categories) > 0 && !slices.Contains(filters.Categories, torrent.Category) {
		return false
	}

	if len(filters.Tags) > 0 {
		tags := splitTags(torrent.Tags)
		matched := slices.ContainsFunc(filters.Tags, func(tag string) bool {
			if tag == "" {
				return len(tags) == 0
			}
			return slices.Contains(tags, tag)
		})
		if !matched {
			return false
		}
	}

	return true
}

func splitTags(tags string) []string {
	if strings.TrimSpace(tags) == "" {
		return nil
	}

	parts := strings.Split(tags, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeForSearch(text string) string {
	// Replace common torrent separators with spaces
	replacers := []string{".", "_", "-", "[", "]", "(", ")", "{", "}"}
	normalized := strings.ToLower(text)
	for _, r := range replacers {
		normalized = strings.ReplaceAll(normalized, r, " ")
	}
	// Collapse multiple spaces
	return strings.Join(strings.Fields(normalized), " ")
}

// filterTorrentsBySearch keeps matches ordered by how well they match:
// substring, normalized substring, all words, then fuzzy on the name.
func filterTorrentsBySearch(torrents []qbt.Torrent, search string) []qbt.Torrent {
	search = strings.TrimSpace(search)
	if search == "" {
		return torrents
	}

	if strings.ContainsAny(search, "*?[") {
		return filterTorrentsByGlob(torrents, search)
	}

	type torrentMatch struct {
		torrent qbt.Torrent
		score   int
	}

	var matches []torrentMatch
	searchLower := strings.ToLower(search)
	searchNormalized := normalizeForSearch(search)
	searchWords := strings.Fields(searchNormalized)

	for _, torrent := range torrents {
		if strings.Contains(strings.ToLower(torrent.Name), searchLower) ||
			strings.Contains(strings.ToLower(torrent.Category), searchLower) ||
			strings.Contains(strings.ToLower(torrent.Tags), searchLower) ||
			strings.Contains(strings.ToLower(torrent.Hash), searchLower) {
			matches = append(matches, torrentMatch{torrent: torrent, score: 0})
			continue
		}

		nameNormalized := normalizeForSearch(torrent.Name)
		categoryNormalized := normalizeForSearch(torrent.Category)
		tagsNormalized := normalizeForSearch(torrent.Tags)

		if strings.Contains(nameNormalized, searchNormalized) ||
			strings.Contains(categoryNormalized, searchNormalized) ||
			strings.Contains(tagsNormalized, searchNormalized) {
			matches = append(matches, torrentMatch{torrent: torrent, score: 1})
			continue
		}

		if len(searchWords) > 1 {
			allFields := nameNormalized + " " + categoryNormalized + " " + tagsNormalized
			allWordsFound := true
			for _, word := range searchWords {
				if !strings.Contains(allFields, word) {
					allWordsFound = false
					break
				}
			}
			if allWordsFound {
				matches = append(matches, torrentMatch{torrent: torrent, score: 2})
				continue
			}
		}

		// fuzzy only against the name, matching across every field is too loose
		if fuzzy.MatchNormalizedFold(searchNormalized, nameNormalized) {
			// score < 10 is quite good
			if score := fuzzy.RankMatchNormalizedFold(searchNormalized, nameNormalized); score < 10 {
				matches = append(matches, torrentMatch{torrent: torrent, score: 3 + score})
			}
		}
	}

	slices.SortStableFunc(matches, func(a, b torrentMatch) int {
		return cmp.Compare(a.score, b.score)
	})

	filtered := make([]qbt.Torrent, len(matches))
	for i, match := range matches {
		filtered[i] = match.torrent
	}

	log.Trace().
		Str("search", search).
		Int("totalTorrents", len(torrents)).
		Int("matchedTorrents", len(filtered)).
		Msg("Search completed")

	return filtered
}

func filterTorrentsByGlob(torrents []qbt.Torrent, pattern string) []qbt.Torrent {
	var filtered []qbt.Torrent
	patternLower := strings.ToLower(pattern)

	for _, torrent := range torrents {
		matched, err := filepath.Match(patternLower, strings.ToLower(torrent.Name))
		if err != nil {
			log.Debug().Str("pattern", pattern).Err(err).Msg("Invalid glob pattern")
			return nil
		}
		if matched {
			filtered = append(filtered, torrent)
			continue
		}

		if torrent.Category != "" {
			if matched, _ := filepath.Match(patternLower, strings.ToLower(torrent.Category)); matched {
				filtered = append(filtered, torrent)
				continue
			}
		}

		for _, tag := range splitTags(strings.ToLower(torrent.Tags)) {
			if matched, _ := filepath.Match(patternLower, tag); matched {
				filtered = append(filtered, torrent)
				break
			}
		}
	}

	return filtered
}

func isStoppedState(state qbt.TorrentState) bool {
	return slices.Contains(torrentStateCategories[qbt.TorrentFilterPaused], state) ||
		slices.Contains(torrentStateCategories[qbt.TorrentFilterStopped], state)
}

func matchTorrentStatus(torrent qbt.Torrent, status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))

	switch qbt.TorrentFilter(status) {
	case qbt.TorrentFilterAll, "":
		return true
	case qbt.TorrentFilterCompleted:
		return torrent.Progress == 1
	case qbt.TorrentFilterInactive:
		return !slices.Contains(torrentStateCategories[qbt.TorrentFilterActive], torrent.State)
	case qbt.TorrentFilterRunning, qbt.TorrentFilterResumed:
		return !isStoppedState(torrent.State)
	case qbt.TorrentFilterStopped, qbt.TorrentFilterPaused:
		return isStoppedState(torrent.State)
	}

	if states, exists := torrentStateCategories[qbt.TorrentFilter(status)]; exists {
		return slices.Contains(states, torrent.State)
	}

	return strings.EqualFold(string(torrent.State), status)
}

func stateSortPriority(state qbt.TorrentState) int {
	if priority, ok := torrentStateSortOrder[state]; ok {
		return priority
	}

	return 1000
}

// sortTorrents orders by field; ties fall back to name, then hash.
func sortTorrents(torrents []qbt.Torrent, field string, desc bool) {
	byName := func(a, b qbt.Torrent) int {
		if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.Hash, b.Hash)
	}

	var primary func(a, b qbt.Torrent) int
	switch strings.ToLower(field) {
	case "size":
		primary = func(a, b qbt.Torrent) int { return cmp.Compare(a.Size, b.Size) }
	case "progress":
		primary = func(a, b qbt.Torrent) int { return cmp.Compare(a.Progress, b.Progress) }
	case "ratio":
		primary = func(a, b qbt.Torrent) int { return cmp.Compare(a.Ratio, b.Ratio) }
	case "added_on", "addedon", "added":
		primary = func(a, b qbt.Torrent) int { return cmp.Compare(a.AddedOn, b.AddedOn) }
	case "dlspeed":
		primary = func(a, b qbt.Torrent) int { return cmp.Compare(a.DlSpeed, b.DlSpeed) }
	case "upspeed":
		primary = func(a, b qbt.Torrent) int { return cmp.Compare(a.UpSpeed, b.UpSpeed) }
	case "state", "status":
		primary = func(a, b qbt.Torrent) int {
			return cmp.Compare(stateSortPriority(a.State), stateSortPriority(b.State))
		}
	default:
		primary = func(qbt.Torrent, qbt.Torrent) int { return 0 }
	}

	slices.SortStableFunc(torrents, func(a, b qbt.Torrent) int {
		c := primary(a, b)
		if c == 0 {
			c = byName(a, b)
		}
		if desc {
			return -c
		}
		return c
	})
}

func calculateStats(torrents []qbt.Torrent) *TorrentStats {
	stats := &TorrentStats{
		Total: len(torrents),
	}

	for _, torrent := range torrents {
		stats.TotalDownloadSpeed += torrent.DlSpeed
		stats.TotalUploadSpeed += torrent.UpSpeed
		stats.TotalSize += torrent.Size

		switch torrent.State {
		case qbt.TorrentStateDownloading, qbt.TorrentStateForcedDl:
			stats.Downloading++
			stats.TotalRemainingSize += torrent.AmountLeft
		case qbt.TorrentStateStalledDl, qbt.TorrentStateMetaDl, qbt.TorrentStateQueuedDl, qbt.TorrentStateAllocating:
			// downloading but not transferring
		case qbt.TorrentStateUploading, qbt.TorrentStateForcedUp:
			stats.Seeding++
			stats.TotalSeedingSize += torrent.Size
		case qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp:
			// seeding but not transferring
		case qbt.TorrentStatePausedDl, qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedDl, qbt.TorrentStateStoppedUp:
			stats.Paused++
		case qbt.TorrentStateError, qbt.TorrentStateMissingFiles:
			stats.Error++
		case qbt.TorrentStateCheckingDl, qbt.TorrentStateCheckingUp, qbt.TorrentStateCheckingResumeData:
			stats.Checking++
		}
	}

	return stats
}

func countTorrentStatuses(torrent qbt.Torrent, counts map[string]int) {
	counts["all"]++

	if torrent.Progress == 1 {
		counts["completed"]++
	}

	if slices.Contains(torrentStateCategories[qbt.TorrentFilterActive], torrent.State) {
		counts["active"]++
	} else {
		counts["inactive"]++
	}

	if isStoppedState(torrent.State) {
		counts["stopped"]++
	} else {
		counts["running"]++
	}

	for status, states := range torrentStateCategories {
		if status == qbt.TorrentFilterActive || status == qbt.TorrentFilterPaused || status == qbt.TorrentFilterStopped {
			continue
		}
		if slices.Contains(states, torrent.State) {
			counts[string(status)]++
		}
	}
}

// Counts summarizes the whole view. Every known category and tag is
// present even when no torrent uses it.
func Counts(view *View) *TorrentCounts {
	counts := &TorrentCounts{
		Status:     make(map[string]int),
		Categories: make(map[string]int, len(view.Categories)+1),
		Tags:       make(map[string]int, len(view.Tags)+1),
		Total:      len(view.Torrents),
	}

	for name := range view.Categories {
		counts.Categories[name] = 0
	}
	for _, tag := range view.Tags {
		counts.Tags[tag] = 0
	}

	for _, torrent := range view.Torrents {
		countTorrentStatuses(torrent, counts.Status)

		counts.Categories[torrent.Category]++

		tags := splitTags(torrent.Tags)
		if len(tags) == 0 {
			counts.Tags[""]++
		}
		for _, tag := range tags {
			counts.Tags[tag]++
		}
	}

	return counts
}
