// Package types holds the value types shared across the ingest, peer
// management, and distribution layers of the gateway.
package types

import "time"

// VideoCodec identifies the encoding of a VideoSample's payload.
type VideoCodec string

const (
	CodecH264 VideoCodec = "h264"
	CodecHEVC VideoCodec = "hevc"
)

// VideoSample is one encoded video frame received from the producer.
// Payload is Annex-B formatted; keyframes carry their parameter sets
// (SPS/PPS, or VPS/SPS/PPS for HEVC) ahead of the slice NALs.
type VideoSample struct {
	PTS        int64
	DTS        int64
	IsKeyframe bool
	Width      int
	Height     int
	Codec      VideoCodec
	Payload    []byte
	ReceivedAt time.Time
}

// AudioSample is one frame of interleaved 16-bit signed PCM audio.
type AudioSample struct {
	PTS         int64
	SampleRate  int
	Channels    int
	SampleCount int
	Payload     []byte
	ReceivedAt  time.Time
}

// StreamMetadata describes the producer's stream configuration. It is
// emitted at most once per producer connection, before the first
// VideoSample, if it is emitted at all.
type StreamMetadata struct {
	VideoWidth      int
	VideoHeight     int
	VideoCodec      VideoCodec
	VideoFPS        int
	AudioSampleRate int
	AudioChannels   int
}

// AudioEncoder converts raw PCM into the wire codec carried by the audio
// track (Opus). The gateway never implements this itself — per its
// scope, audio encoding is an external collaborator's concern. Nothing in
// this module calls it: the distribution loop forwards audio payloads to
// the peer manager unchanged, so the producer delivers Opus-ready
// payloads.
type AudioEncoder interface {
	Encode(sample AudioSample) ([]byte, error)
}
