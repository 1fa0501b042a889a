// Package distribution implements C6: the single consumer goroutine that
// drains the ingest queue, computes each sample's presentation duration,
// and hands it to the peer manager for fan-out.
package distribution

import (
	"context"
	"log/slog"
	"time"

	"hdmigateway/internal/ipc"
	"hdmigateway/internal/stats"
	"hdmigateway/internal/types"
)

// drainTimeout bounds how long Run keeps consuming already-queued samples
// after cancellation, per §4.5.
const drainTimeout = 500 * time.Millisecond

// defaultVideoFPS is used until a StreamMetadata message reports the
// producer's actual frame rate.
const defaultVideoFPS = 30

// Sink is the subset of peermanager.Manager the loop writes through.
type Sink interface {
	WriteVideoSample(payload []byte, duration time.Duration)
	WriteAudioSample(payload []byte, duration time.Duration)
}

// Loop consumes a Queue and fans samples out through a Sink.
type Loop struct {
	queue    *ipc.Queue
	sink     Sink
	log      *slog.Logger
	counters *stats.Counters

	videoFPS int
}

// New builds a Loop reading from queue and writing through sink, recording
// per-sample throughput on counters as each sample is consumed.
func New(queue *ipc.Queue, sink Sink, log *slog.Logger, counters *stats.Counters) *Loop {
	return &Loop{queue: queue, sink: sink, log: log, counters: counters, videoFPS: defaultVideoFPS}
}

// Run consumes until ctx is cancelled, then drains whatever is already
// buffered in the queue for up to drainTimeout before returning.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case m := <-l.queue.Metadata:
			l.handleMetadata(m)
		case v := <-l.queue.Video:
			l.handleVideo(v)
		case a := <-l.queue.Audio:
			l.handleAudio(a)
		}
	}
}

// drain consumes whatever is already queued, without blocking past
// drainTimeout, so shutdown doesn't silently discard in-flight samples.
func (l *Loop) drain() {
	deadline := time.After(drainTimeout)
	for {
		select {
		case m := <-l.queue.Metadata:
			l.handleMetadata(m)
		case v := <-l.queue.Video:
			l.handleVideo(v)
		case a := <-l.queue.Audio:
			l.handleAudio(a)
		case <-deadline:
			return
		}
	}
}

func (l *Loop) handleMetadata(m *types.StreamMetadata) {
	if m.VideoFPS > 0 {
		l.videoFPS = m.VideoFPS
	}
	l.log.Info("stream metadata",
		"videoWidth", m.VideoWidth, "videoHeight", m.VideoHeight, "videoCodec", m.VideoCodec,
		"videoFPS", m.VideoFPS, "audioSampleRate", m.AudioSampleRate, "audioChannels", m.AudioChannels)
}

func (l *Loop) handleVideo(v *types.VideoSample) {
	fps := l.videoFPS
	if fps <= 0 {
		fps = defaultVideoFPS
	}
	duration := time.Second / time.Duration(fps)
	l.counters.AddVideoFrame(len(v.Payload))
	l.sink.WriteVideoSample(v.Payload, duration)
}

func (l *Loop) handleAudio(a *types.AudioSample) {
	duration := time.Second / time.Duration(defaultVideoFPS)
	if a.SampleRate > 0 && a.SampleCount > 0 {
		duration = time.Duration(a.SampleCount) * time.Second / time.Duration(a.SampleRate)
	}
	l.counters.AddAudioFrame(len(a.Payload))
	l.sink.WriteAudioSample(a.Payload, duration)
}
