// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

// SyncSource is the read side of the sync engine.
type SyncSource interface {
	View() *qbittorrent.View
	Stats() qbittorrent.SyncStats
}

// ConnectionSource reports the current connection status.
type ConnectionSource interface {
	Status() qbittorrent.Status
}

// RemoteCollector exposes connection and sync state of the active server.
// Values are read at scrape time, nothing is cached.
type RemoteCollector struct {
	sync SyncSource
	conn ConnectionSource

	connectionStateDesc *prometheus.Desc
	connectedDesc       *prometheus.Desc
	torrentsDesc        *prometheus.Desc
	downloadSpeedDesc   *prometheus.Desc
	uploadSpeedDesc     *prometheus.Desc
	pollsDesc           *prometheus.Desc
	failuresDesc        *prometheus.Desc
	fullUpdatesDesc     *prometheus.Desc
	skippedDesc         *prometheus.Desc
	ridDesc             *prometheus.Desc
	lastSyncDesc        *prometheus.Desc
}

func NewRemoteCollector(sync SyncSource, conn ConnectionSource) *RemoteCollector {
	labels := []string{"server_id"}

	return &RemoteCollector{
		sync: sync,
		conn: conn,

		connectionStateDesc: prometheus.NewDesc(
			"qui_remote_connection_state",
			"Connection state (0=disconnected, 1=connecting, 2=connected, 3=failed)",
			labels,
			nil,
		),
		connectedDesc: prometheus.NewDesc(
			"qui_remote_connected",
			"Whether the active server is connected (1=connected, 0=not connected)",
			labels,
			nil,
		),
		torrentsDesc: prometheus.NewDesc(
			"qui_remote_torrents",
			"Number of torrents in the synced view by status filter",
			[]string{"server_id", "status"},
			nil,
		),
		downloadSpeedDesc: prometheus.NewDesc(
			"qui_remote_download_speed_bytes_per_second",
			"Global download speed reported by the daemon",
			labels,
			nil,
		),
		uploadSpeedDesc: prometheus.NewDesc(
			"qui_remote_upload_speed_bytes_per_second",
			"Global upload speed reported by the daemon",
			labels,
			nil,
		),
		pollsDesc: prometheus.NewDesc(
			"qui_remote_sync_polls_total",
			"Successfully applied maindata polls",
			labels,
			nil,
		),
		failuresDesc: prometheus.NewDesc(
			"qui_remote_sync_failures_total",
			"Failed maindata polls",
			labels,
			nil,
		),
		fullUpdatesDesc: prometheus.NewDesc(
			"qui_remote_sync_full_updates_total",
			"Polls that replaced the whole view",
			labels,
			nil,
		),
		skippedDesc: prometheus.NewDesc(
			"qui_remote_sync_skipped_total",
			"Polls skipped because the server was not connected",
			labels,
			nil,
		),
		ridDesc: prometheus.NewDesc(
			"qui_remote_sync_rid",
			"Response id of the last applied maindata response",
			labels,
			nil,
		),
		lastSyncDesc: prometheus.NewDesc(
			"qui_remote_sync_last_success_timestamp_seconds",
			"Unix time of the last applied maindata response",
			labels,
			nil,
		),
	}
}

func (c *RemoteCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionStateDesc
	ch <- c.connectedDesc
	ch <- c.torrentsDesc
	ch <- c.downloadSpeedDesc
	ch <- c.uploadSpeedDesc
	ch <- c.pollsDesc
	ch <- c.failuresDesc
	ch <- c.fullUpdatesDesc
	ch <- c.skippedDesc
	ch <- c.ridDesc
	ch <- c.lastSyncDesc
}

func (c *RemoteCollector) Collect(ch chan<- prometheus.Metric) {
	if c.conn == nil || c.sync == nil {
		log.Debug().Msg("Remote collector has no sources, skipping scrape")
		return
	}

	status := c.conn.Status()
	serverID := strconv.Itoa(status.ServerID)

	connected := 0.0
	if status.State == qbittorrent.StateConnected {
		connected = 1
	}
	ch <- prometheus.MustNewConstMetric(c.connectionStateDesc, prometheus.GaugeValue, float64(status.State), serverID)
	ch <- prometheus.MustNewConstMetric(c.connectedDesc, prometheus.GaugeValue, connected, serverID)

	stats := c.sync.Stats()
	ch <- prometheus.MustNewConstMetric(c.pollsDesc, prometheus.CounterValue, float64(stats.Polls), serverID)
	ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.CounterValue, float64(stats.Failures), serverID)
	ch <- prometheus.MustNewConstMetric(c.fullUpdatesDesc, prometheus.CounterValue, float64(stats.FullUpdates), serverID)
	ch <- prometheus.MustNewConstMetric(c.skippedDesc, prometheus.CounterValue, float64(stats.Skipped), serverID)
	ch <- prometheus.MustNewConstMetric(c.ridDesc, prometheus.GaugeValue, float64(stats.Rid), serverID)

	if !stats.LastSync.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastSyncDesc, prometheus.GaugeValue, float64(stats.LastSync.Unix()), serverID)
	}

	view := c.sync.View()
	if view == nil {
		return
	}

	if view.ServerState != nil {
		ch <- prometheus.MustNewConstMetric(c.downloadSpeedDesc, prometheus.GaugeValue, float64(view.ServerState.DlInfoSpeed), serverID)
		ch <- prometheus.MustNewConstMetric(c.uploadSpeedDesc, prometheus.GaugeValue, float64(view.ServerState.UpInfoSpeed), serverID)
	}

	if len(view.Torrents) == 0 {
		return
	}

	counts := qbittorrent.Counts(view)
	statuses := make([]string, 0, len(counts.Status))
	for name := range counts.Status {
		statuses = append(statuses, name)
	}
	sort.Strings(statuses)

	for _, name := range statuses {
		ch <- prometheus.MustNewConstMetric(c.torrentsDesc, prometheus.GaugeValue, float64(counts.Status[name]), serverID, name)
	}
}
