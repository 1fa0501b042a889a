// Package ipc implements the producer wire protocol: a length-prefixed,
// JSON-header framing that carries video samples, audio samples, and
// stream metadata over a local Unix-domain socket.
//
// Frame layout (big-endian multi-byte integers):
//
//	1 byte : message type (0x01 video, 0x02 audio, 0x03 metadata)
//	4 bytes: total payload length N (uint32, N <= maxFrameLength)
//	N bytes: UTF-8 JSON header, optionally followed by a single 0x00
//	         separator byte, optionally followed by the binary payload
//
// A single reader goroutine owns a *Decoder for the lifetime of one
// producer connection; Decoder is not safe for concurrent use.
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"hdmigateway/internal/errs"
	"hdmigateway/internal/types"
)

// MessageType is the one-byte tag at the start of every frame.
type MessageType byte

const (
	MessageVideo    MessageType = 0x01
	MessageAudio    MessageType = 0x02
	MessageMetadata MessageType = 0x03
)

// maxFrameLength is the maximum declared payload length (header+payload)
// the gateway will accept, per §4.1: exactly 100 MiB succeeds, one byte
// more fails with a protocol error.
const maxFrameLength = 100 * 1024 * 1024

// readDeadline bounds a single frame read so shutdown is observed promptly
// even with no producer traffic.
const readDeadline = 5 * time.Second

type videoHeader struct {
	PTS      int64  `json:"pts"`
	DTS      int64  `json:"dts"`
	Keyframe bool   `json:"keyframe"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Codec    string `json:"codec"`
}

type audioHeader struct {
	PTS         int64 `json:"pts"`
	SampleRate  int   `json:"sample_rate"`
	Channels    int   `json:"channels"`
	SampleCount int   `json:"sample_count"`
}

type metadataHeader struct {
	VideoWidth      int    `json:"video_width"`
	VideoHeight     int    `json:"video_height"`
	VideoCodec      string `json:"video_codec"`
	VideoFPS        int    `json:"video_fps"`
	AudioSampleRate int    `json:"audio_sample_rate"`
	AudioChannels   int    `json:"audio_channels"`
}

// deadlineConn is the subset of net.Conn the decoder needs in order to
// bound each read; satisfied by net.Conn and easy to fake in tests.
type deadlineConn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Decoder reads successive frames off a single producer connection.
type Decoder struct {
	conn deadlineConn
}

// NewDecoder wraps conn. conn's read deadline is managed internally; the
// caller must not also set it.
func NewDecoder(conn deadlineConn) *Decoder {
	return &Decoder{conn: conn}
}

// ReadMessage blocks for the next frame and returns one of
// *types.VideoSample, *types.AudioSample, or *types.StreamMetadata.
//
// A read-deadline expiry with nothing read yet returns the connection's
// timeout error unwrapped, so callers can distinguish "nothing arrived,
// keep polling for shutdown" from a real error. Any failure after the
// type byte, a deadline expiry included, is a *errs.ProducerProtocolError.
func (d *Decoder) ReadMessage() (any, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	var typeByte [1]byte
	if _, err := io.ReadFull(d.conn, typeByte[:]); err != nil {
		return nil, err // includes timeouts and EOF; caller classifies
	}

	if err := d.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	var lenBytes [4]byte
	if _, err := io.ReadFull(d.conn, lenBytes[:]); err != nil {
		return nil, errs.NewProducerProtocolError("read length", err)
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	if n > maxFrameLength {
		return nil, errs.NewProducerProtocolError("frame too large",
			fmt.Errorf("declared length %d exceeds %d", n, maxFrameLength))
	}

	if err := d.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.conn, body); err != nil {
		return nil, errs.NewProducerProtocolError("read frame body", err)
	}

	receivedAt := time.Now()

	header, payload, err := splitHeaderPayload(body)
	if err != nil {
		return nil, errs.NewProducerProtocolError("split header/payload", err)
	}

	switch MessageType(typeByte[0]) {
	case MessageVideo:
		return decodeVideo(header, payload, receivedAt)
	case MessageAudio:
		return decodeAudio(header, payload, receivedAt)
	case MessageMetadata:
		return decodeMetadata(header)
	default:
		return nil, errs.NewProducerProtocolError("unknown type",
			fmt.Errorf("message type 0x%02x", typeByte[0]))
	}
}

// splitHeaderPayload implements the JSON boundary rule from §4.1: scan
// for a 0x00 separator first; if present, split there. Otherwise find the
// matching closing brace of the outermost JSON object, respecting string
// escaping, and treat everything after it as payload.
func splitHeaderPayload(body []byte) (header, payload []byte, err error) {
	if i := bytes.IndexByte(body, 0x00); i >= 0 {
		return body[:i], body[i+1:], nil
	}

	end, err := jsonObjectEnd(body)
	if err != nil {
		return nil, nil, err
	}
	return body[:end], body[end:], nil
}

// jsonObjectEnd returns the index just past the closing brace of the
// first top-level JSON object in body, scanning a single pass while
// tracking brace depth and string/escape state.
func jsonObjectEnd(body []byte) (int, error) {
	depth := 0
	inString := false
	escaped := false
	started := false

	for i, b := range body {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
			started = true
		case '}':
			depth--
			if started && depth == 0 {
				return i + 1, nil
			}
		}
	}
	return 0, fmt.Errorf("no 0x00 separator and no closing brace found")
}

func decodeVideo(header, payload []byte, receivedAt time.Time) (*types.VideoSample, error) {
	var h videoHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return nil, fmt.Errorf("bad video json: %w", err)
	}
	codec, err := parseVideoCodec(h.Codec)
	if err != nil {
		return nil, err
	}
	return &types.VideoSample{
		PTS:        h.PTS,
		DTS:        h.DTS,
		IsKeyframe: h.Keyframe,
		Width:      h.Width,
		Height:     h.Height,
		Codec:      codec,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}, nil
}

func decodeAudio(header, payload []byte, receivedAt time.Time) (*types.AudioSample, error) {
	var h audioHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return nil, fmt.Errorf("bad audio json: %w", err)
	}
	return &types.AudioSample{
		PTS:         h.PTS,
		SampleRate:  h.SampleRate,
		Channels:    h.Channels,
		SampleCount: h.SampleCount,
		Payload:     payload,
		ReceivedAt:  receivedAt,
	}, nil
}

func decodeMetadata(header []byte) (*types.StreamMetadata, error) {
	var h metadataHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return nil, fmt.Errorf("bad metadata json: %w", err)
	}
	codec, err := parseVideoCodec(h.VideoCodec)
	if err != nil {
		return nil, err
	}
	return &types.StreamMetadata{
		VideoWidth:      h.VideoWidth,
		VideoHeight:     h.VideoHeight,
		VideoCodec:      codec,
		VideoFPS:        h.VideoFPS,
		AudioSampleRate: h.AudioSampleRate,
		AudioChannels:   h.AudioChannels,
	}, nil
}

func parseVideoCodec(s string) (types.VideoCodec, error) {
	switch s {
	case "h264":
		return types.CodecH264, nil
	case "hevc":
		return types.CodecHEVC, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", s)
	}
}
