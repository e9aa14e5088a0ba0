// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"cmp"
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = 2 * time.Second

// View is an immutable copy of the synced state.
type View struct {
	Rid         int64                   `json:"rid"`
	Torrents    map[string]qbt.Torrent  `json:"torrents"`
	Categories  map[string]qbt.Category `json:"categories"`
	Tags        []string                `json:"tags"`
	ServerState *GlobalState            `json:"serverState,omitempty"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// TorrentList returns the torrents ordered by hash.
func (v *View) TorrentList() []qbt.Torrent {
	torrents := make([]qbt.Torrent, 0, len(v.Torrents))
	for _, torrent := range v.Torrents {
		torrents = append(torrents, torrent)
	}
	slices.SortFunc(torrents, func(a, b qbt.Torrent) int {
		return cmp.Compare(a.Hash, b.Hash)
	})
	return torrents
}

// Fingerprint changes whenever a torrent's hash, state or progress,
// a category or a tag changes. It ignores rid and speeds.
func (v *View) Fingerprint() uint64 {
	var sum uint64
	for hash, torrent := range v.Torrents {
		sum ^= xxhash.Sum64String("t\x00" + hash + "\x00" + string(torrent.State) + "\x00" +
			strconv.FormatFloat(torrent.Progress, 'f', 4, 64) + "\x00" + torrent.Category + "\x00" + torrent.Tags)
	}
	for name, category := range v.Categories {
		sum ^= xxhash.Sum64String("c\x00" + name + "\x00" + category.SavePath)
	}
	for _, tag := range v.Tags {
		sum ^= xxhash.Sum64String("g\x00" + tag)
	}
	return sum
}

type EventType int

const (
	EventUpdated EventType = iota
	EventError
	EventReset
)

// Event is delivered to subscribers after each applied poll, surfaced
// error or reset.
type Event struct {
	Type   EventType
	Rid    int64
	Result ApplyResult
	Err    *Error
}

type SyncStats struct {
	Polls       uint64    `json:"polls"`
	Failures    uint64    `json:"failures"`
	FullUpdates uint64    `json:"fullUpdates"`
	Skipped     uint64    `json:"skipped"`
	Rid         int64     `json:"rid"`
	LastSync    time.Time `json:"lastSync"`
}

// ConnectionStatusProvider reports whether polling makes sense.
type ConnectionStatusProvider interface {
	Status() Status
}

// SyncManager polls maindata and keeps the EntityStore current.
type SyncManager struct {
	transport Transport
	conn      ConnectionStatusProvider
	now       func() time.Time

	// serializes polls so rid is only ever touched by one response
	pollMu sync.Mutex

	mu         sync.RWMutex
	store      *EntityStore
	rid        int64
	generation uint64
	serverID   int
	lastErr    *Error
	recovering bool
	stats      SyncStats
	updatedAt  time.Time

	loopMu     sync.Mutex
	interval   time.Duration
	intervalCh chan time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

type SyncOption func(*SyncManager)

func WithPollInterval(interval time.Duration) SyncOption {
	return func(sm *SyncManager) {
		if interval > 0 {
			sm.interval = interval
		}
	}
}

func NewSyncManager(transport Transport, conn ConnectionStatusProvider, opts ...SyncOption) *SyncManager {
	sm := &SyncManager{
		transport:  transport,
		conn:       conn,
		now:        time.Now,
		store:      NewEntityStore(),
		interval:   DefaultPollInterval,
		intervalCh: make(chan time.Duration, 1),
		subs:       make(map[int]func(Event)),
	}

	for _, opt := range opts {
		opt(sm)
	}

	return sm
}

func (sm *SyncManager) isConnected() bool {
	return sm.conn != nil && sm.conn.Status().State == StateConnected
}

// Rid returns the cursor of the last applied response.
func (sm *SyncManager) Rid() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.rid
}

func (sm *SyncManager) View() *View {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	torrents, categories, tags, state := sm.store.snapshot()
	return &View{
		Rid:         sm.rid,
		Torrents:    torrents,
		Categories:  categories,
		Tags:        tags,
		ServerState: state,
		UpdatedAt:   sm.updatedAt,
	}
}

func (sm *SyncManager) Stats() SyncStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	stats := sm.stats
	stats.Rid = sm.rid
	return stats
}

func (sm *SyncManager) LastSyncTime() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.updatedAt
}

// LastError returns the error currently surfaced to observers.
func (sm *SyncManager) LastError() *Error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastErr
}

func (sm *SyncManager) ClearError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.lastErr = nil
}

// SetRecovering toggles error suppression while a reconnect is expected
// to make polls fail.
func (sm *SyncManager) SetRecovering(recovering bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.recovering = recovering
}

func (sm *SyncManager) Recovering() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.recovering
}

// Subscribe registers fn for sync events and returns its unsubscribe func.
// fn runs on the polling goroutine and must not call Stop.
func (sm *SyncManager) Subscribe(fn func(Event)) func() {
	sm.subsMu.Lock()
	id := sm.nextSub
	sm.nextSub++
	sm.subs[id] = fn
	sm.subsMu.Unlock()

	return func() {
		sm.subsMu.Lock()
		delete(sm.subs, id)
		sm.subsMu.Unlock()
	}
}

func (sm *SyncManager) publish(event Event) {
	sm.subsMu.RLock()
	ids := make([]int, 0, len(sm.subs))
	for id := range sm.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, sm.subs[id])
	}
	sm.subsMu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Reset drops the mirrored state and rewinds rid to 0. A poll in flight
// when Reset runs is discarded.
func (sm *SyncManager) Reset() {
	sm.mu.Lock()
	sm.store = NewEntityStore()
	sm.rid = 0
	sm.generation++
	sm.lastErr = nil
	sm.updatedAt = time.Time{}
	sm.mu.Unlock()

	sm.publish(Event{Type: EventReset})
}

// Poll runs one sync round. It is a no-op while not connected.
func (sm *SyncManager) Poll(ctx context.Context) error {
	if !sm.isConnected() {
		return nil
	}

	sm.pollMu.Lock()
	defer sm.pollMu.Unlock()

	return sm.poll(ctx)
}

// ForceRefresh rewinds rid to 0 and polls at once, which makes the daemon
// answer with a full snapshot. It waits for a poll already in flight.
func (sm *SyncManager) ForceRefresh(ctx context.Context) error {
	sm.pollMu.Lock()
	defer sm.pollMu.Unlock()

	sm.mu.Lock()
	sm.rid = 0
	sm.mu.Unlock()

	if !sm.isConnected() {
		return nil
	}

	return sm.poll(ctx)
}

func (sm *SyncManager) poll(ctx context.Context) error {
	sm.mu.RLock()
	requestRid := sm.rid
	generation := sm.generation
	sm.mu.RUnlock()

	var query url.Values
	if requestRid > 0 {
		query = url.Values{"rid": []string{strconv.FormatInt(requestRid, 10)}}
	}

	resp, err := sm.transport.Get(ctx, mainDataPath, query)
	if err != nil {
		return sm.handleError(NewError(OpSync, err))
	}

	data, err := decodeMainData(resp.Body)
	if err != nil {
		return sm.handleError(NewError(OpSync, err))
	}

	full := data.FullUpdate || requestRid == 0

	sm.mu.Lock()
	if sm.generation != generation {
		sm.mu.Unlock()
		log.Debug().Int64("rid", requestRid).Msg("Discarding maindata for a reset store")
		return nil
	}

	result := sm.store.Apply(data, full)
	// the cursor only moves once the merge is done
	sm.rid = data.Rid
	sm.updatedAt = sm.now()
	sm.lastErr = nil
	sm.recovering = false
	sm.stats.Polls++
	sm.stats.LastSync = sm.updatedAt
	if full {
		sm.stats.FullUpdates++
	}
	rid := sm.rid
	sm.mu.Unlock()

	log.Trace().
		Int64("requestRid", requestRid).
		Int64("rid", rid).
		Bool("full", full).
		Int("added", result.Added).
		Int("updated", result.Updated).
		Int("removed", result.Removed).
		Int("dropped", result.Dropped).
		Msg("Applied maindata")

	sm.publish(Event{Type: EventUpdated, Rid: rid, Result: result})
	return nil
}

// handleError records a failed poll. Cancellation is never surfaced and
// errors during recovery are only logged.
func (sm *SyncManager) handleError(err *Error) error {
	sm.mu.Lock()
	sm.stats.Failures++

	if err.Kind == KindCancelled {
		sm.mu.Unlock()
		log.Trace().Msg("Poll cancelled")
		return err
	}

	if sm.recovering {
		sm.mu.Unlock()
		log.Debug().Err(err).Msg("Suppressing poll error during recovery")
		return err
	}

	sm.lastErr = err
	sm.mu.Unlock()

	log.Warn().
		Err(err.Err).
		Str("kind", err.Kind.String()).
		Msg(err.Message)

	sm.publish(Event{Type: EventError, Err: err})
	return err
}

// Start begins polling on the configured interval. Calling it while
// running does nothing.
func (sm *SyncManager) Start() {
	sm.loopMu.Lock()
	defer sm.loopMu.Unlock()

	if sm.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel

	sm.wg.Add(1)
	go sm.loop(ctx, sm.interval)

	log.Debug().Dur("interval", sm.interval).Msg("Sync polling started")
}

// Stop halts polling and waits for the loop to exit. A poll in flight is
// cancelled.
func (sm *SyncManager) Stop() {
	sm.loopMu.Lock()
	defer sm.loopMu.Unlock()

	if sm.cancel == nil {
		return
	}

	sm.cancel()
	sm.cancel = nil
	sm.wg.Wait()

	log.Debug().Msg("Sync polling stopped")
}

func (sm *SyncManager) Running() bool {
	sm.loopMu.Lock()
	defer sm.loopMu.Unlock()
	return sm.cancel != nil
}

// SetInterval changes the poll interval, applied on the next tick when running.
func (sm *SyncManager) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}

	sm.loopMu.Lock()
	defer sm.loopMu.Unlock()
	sm.interval = interval

	// keep only the newest pending value; the loop may not be running
	select {
	case <-sm.intervalCh:
	default:
	}
	select {
	case sm.intervalCh <- interval:
	default:
	}
}

func (sm *SyncManager) loop(ctx context.Context, interval time.Duration) {
	defer sm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case next := <-sm.intervalCh:
			ticker.Reset(next)
		case <-ticker.C:
			sm.tick(ctx)
		}
	}
}

func (sm *SyncManager) tick(ctx context.Context) {
	if !sm.isConnected() {
		return
	}

	if !sm.pollMu.TryLock() {
		sm.mu.Lock()
		sm.stats.Skipped++
		sm.mu.Unlock()
		log.Trace().Msg("Previous poll still in flight, skipping tick")
		return
	}
	defer sm.pollMu.Unlock()

	_ = sm.poll(ctx)
}

// HandleConnectionState follows the connection: polling starts on
// connect, a different server resets the store, and polling stops when
// the connection goes away.
func (sm *SyncManager) HandleConnectionState(status Status) {
	switch status.State {
	case StateConnected:
		sm.mu.RLock()
		changed := sm.serverID != status.ServerID
		sm.mu.RUnlock()

		if changed {
			sm.Reset()
			sm.mu.Lock()
			sm.serverID = status.ServerID
			sm.mu.Unlock()
		}
		sm.Start()
	case StateDisconnected:
		sm.Stop()
		sm.Reset()
	case StateFailed:
		sm.Stop()
	}
}

func (e EventType) String() string {
	switch e {
	case EventUpdated:
		return "updated"
	case EventError:
		return "error"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}
