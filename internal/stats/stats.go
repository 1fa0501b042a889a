// Package stats tracks the rolling counters the gateway exposes through
// its periodic log summaries: frame/byte throughput, drops, and
// connected-peer count.
package stats

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Counters is a set of monotonically increasing totals plus the
// connected-peer gauge, safe for concurrent use by the ingest and
// distribution goroutines.
type Counters struct {
	videoFrames atomic.Int64
	audioFrames atomic.Int64
	videoBytes  atomic.Int64
	audioBytes  atomic.Int64

	droppedVideoFrames atomic.Int64
	droppedAudioFrames atomic.Int64

	peerFailures   atomic.Int64
	connectedPeers atomic.Int64
}

// New returns a zeroed Counters.
func New() *Counters { return &Counters{} }

func (c *Counters) AddVideoFrame(bytes int) {
	c.videoFrames.Add(1)
	c.videoBytes.Add(int64(bytes))
}

func (c *Counters) AddAudioFrame(bytes int) {
	c.audioFrames.Add(1)
	c.audioBytes.Add(int64(bytes))
}

func (c *Counters) DropVideoFrame() { c.droppedVideoFrames.Add(1) }
func (c *Counters) DropAudioFrame() { c.droppedAudioFrames.Add(1) }
func (c *Counters) PeerFailure()    { c.peerFailures.Add(1) }

// PeerConnected and PeerDisconnected drive the connected-peer gauge.
// peermanager.Manager is the sole subscriber, invoking these from its
// onPeerConnected/onPeerDisconnected hooks as sessions cross into and out
// of the Connected state.
func (c *Counters) PeerConnected()    { c.connectedPeers.Add(1) }
func (c *Counters) PeerDisconnected() { c.connectedPeers.Add(-1) }

// Snapshot is a point-in-time read of every counter, including the
// connected-peer gauge Counters maintains itself.
type Snapshot struct {
	VideoFrames        int64
	AudioFrames        int64
	VideoBytes         int64
	AudioBytes         int64
	DroppedVideoFrames int64
	DroppedAudioFrames int64
	PeerFailures       int64
	ConnectedPeers     int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		VideoFrames:        c.videoFrames.Load(),
		AudioFrames:        c.audioFrames.Load(),
		VideoBytes:         c.videoBytes.Load(),
		AudioBytes:         c.audioBytes.Load(),
		DroppedVideoFrames: c.droppedVideoFrames.Load(),
		DroppedAudioFrames: c.droppedAudioFrames.Load(),
		PeerFailures:       c.peerFailures.Load(),
		ConnectedPeers:     c.connectedPeers.Load(),
	}
}

// Reporter periodically logs a structured throughput summary derived
// from the delta between consecutive snapshots.
type Reporter struct {
	counters *Counters
	log      *slog.Logger
	interval time.Duration

	last     Snapshot
	lastTime time.Time
}

// NewReporter builds a Reporter.
func NewReporter(counters *Counters, log *slog.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{
		counters: counters,
		log:      log,
		interval: interval,
		lastTime: time.Time{},
	}
}

// Run emits a summary every interval until stop is closed.
func (r *Reporter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.lastTime = time.Now()
	r.last = r.counters.Snapshot()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			cur := r.counters.Snapshot()
			elapsed := now.Sub(r.lastTime).Seconds()
			if elapsed <= 0 {
				elapsed = r.interval.Seconds()
			}

			r.log.Info("throughput",
				"videoFps", float64(cur.VideoFrames-r.last.VideoFrames)/elapsed,
				"audioFps", float64(cur.AudioFrames-r.last.AudioFrames)/elapsed,
				"videoBytesPerSec", float64(cur.VideoBytes-r.last.VideoBytes)/elapsed,
				"audioBytesPerSec", float64(cur.AudioBytes-r.last.AudioBytes)/elapsed,
				"totalVideoFrames", cur.VideoFrames,
				"totalAudioFrames", cur.AudioFrames,
				"droppedVideoFrames", cur.DroppedVideoFrames,
				"droppedAudioFrames", cur.DroppedAudioFrames,
				"peerFailures", cur.PeerFailures,
				"connectedPeers", cur.ConnectedPeers,
			)

			r.last = cur
			r.lastTime = now
		}
	}
}
