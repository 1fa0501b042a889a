package ipc

import (
	"hdmigateway/internal/stats"
	"hdmigateway/internal/types"
)

// Queue is the bounded, ordered hand-off between ingest and the
// distribution loop (§3 IngestQueue). Each kind gets its own channel so a
// burst of one kind can never starve or evict the other, and so capacity
// can be tuned per kind per §6.4.
type Queue struct {
	Video    chan *types.VideoSample
	Audio    chan *types.AudioSample
	Metadata chan *types.StreamMetadata

	counters *stats.Counters
}

// NewQueue allocates a Queue with the given per-kind capacities.
func NewQueue(videoDepth, audioDepth int, counters *stats.Counters) *Queue {
	if videoDepth <= 0 {
		videoDepth = 120
	}
	if audioDepth <= 0 {
		audioDepth = 60
	}
	return &Queue{
		Video:    make(chan *types.VideoSample, videoDepth),
		Audio:    make(chan *types.AudioSample, audioDepth),
		Metadata: make(chan *types.StreamMetadata, 4),
		counters: counters,
	}
}

// PushVideo publishes a sample without blocking. When the channel is
// full the sample is dropped and the drop counter incremented — the
// ingest reader never waits on the distribution loop.
func (q *Queue) PushVideo(s *types.VideoSample) {
	select {
	case q.Video <- s:
	default:
		q.counters.DropVideoFrame()
	}
}

// PushAudio publishes a sample without blocking, dropping on overflow.
func (q *Queue) PushAudio(s *types.AudioSample) {
	select {
	case q.Audio <- s:
	default:
		q.counters.DropAudioFrame()
	}
}

// PushMetadata publishes stream metadata without blocking. Overflow here
// is not expected (at most one metadata message per producer connection)
// but is still dropped rather than blocking, for the same reason.
func (q *Queue) PushMetadata(m *types.StreamMetadata) {
	select {
	case q.Metadata <- m:
	default:
	}
}
