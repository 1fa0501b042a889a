// Package session implements C4: one viewer's WebRTC peer connection,
// its offer/answer and ICE-candidate lifecycle, and its two outbound
// media tracks.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"hdmigateway/internal/types"
)

// State is a PeerSession's position in the state machine described in
// §4.2. Transitions only ever move forward except into the two terminal
// states, Failed and Closed, which are reachable from anywhere.
type State int

const (
	New State = iota
	Offered
	Answered
	Connected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case New:
		return "New"
	case Offered:
		return "Offered"
	case Answered:
		return "Answered"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// maxLocalCandidates bounds the per-session ring of recorded local
// candidates kept for polling clients (§4.2).
const maxLocalCandidates = 64

// Config configures the PeerConnection a Session wraps.
type Config struct {
	VideoCodec     types.VideoCodec
	MaxBitrateKbps int
	ICEServers     []webrtc.ICEServer
}

// StateChangeFunc is invoked whenever a Session's application state
// changes. Implementations must not call back into the peer manager —
// hooks run on the transport's callback goroutine, or on the goroutine
// calling SetRemoteOffer, CreateAnswer or Close.
type StateChangeFunc func(peerID string, state State)

// LocalCandidateFunc is invoked for every local ICE candidate the
// transport gathers, in addition to the session's own ring buffer.
type LocalCandidateFunc func(peerID string, candidate webrtc.ICECandidateInit)

// Session wraps one viewer's PeerConnection.
type Session struct {
	ID         string
	CreatedAt  time.Time
	videoTrack     *webrtc.TrackLocalStaticSample
	audioTrack     *webrtc.TrackLocalStaticSample
	pc             *webrtc.PeerConnection
	log            *slog.Logger
	maxBitrateKbps int

	onStateChange    StateChangeFunc
	onLocalCandidate LocalCandidateFunc

	mu                      sync.Mutex
	state                   State
	localDescSet            bool
	remoteDescSet           bool
	pendingRemoteCandidates []webrtc.ICECandidateInit
	localCandidates         []webrtc.ICECandidateInit
}

// New constructs a Session in state New with its PeerConnection and two
// outbound media tracks already attached, but no remote description
// applied yet.
func New(id string, cfg Config, log *slog.Logger, onStateChange StateChangeFunc, onLocalCandidate LocalCandidateFunc) (*Session, error) {
	videoMime, videoFmtp, videoPT := videoCodecParams(cfg.VideoCodec)

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    videoMime,
			ClockRate:   90000,
			SDPFmtpLine: videoFmtp,
		},
		PayloadType: videoPT,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: videoMime, ClockRate: 90000, SDPFmtpLine: videoFmtp},
		"video", "hdmigateway",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	if _, err := pc.AddTrack(videoTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "hdmigateway",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	sess := &Session{
		ID:               id,
		CreatedAt:        time.Now(),
		videoTrack:       videoTrack,
		audioTrack:       audioTrack,
		pc:               pc,
		log:              log,
		maxBitrateKbps:   cfg.MaxBitrateKbps,
		onStateChange:    onStateChange,
		onLocalCandidate: onLocalCandidate,
		state:            New,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		sess.mu.Lock()
		sess.localCandidates = append(sess.localCandidates, init)
		if len(sess.localCandidates) > maxLocalCandidates {
			sess.localCandidates = sess.localCandidates[len(sess.localCandidates)-maxLocalCandidates:]
		}
		sess.mu.Unlock()
		if sess.onLocalCandidate != nil {
			sess.onLocalCandidate(sess.ID, init)
		}
	})

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		sess.log.Debug("peer connection state change", "peer", sess.ID, "state", cs.String())
		switch cs {
		case webrtc.PeerConnectionStateConnected:
			sess.transition(Connected)
		case webrtc.PeerConnectionStateFailed:
			sess.transition(Failed)
		case webrtc.PeerConnectionStateClosed:
			sess.transition(Closed)
		}
	})

	return sess, nil
}

func videoCodecParams(codec types.VideoCodec) (mime, fmtp string, pt webrtc.PayloadType) {
	if codec == types.CodecHEVC {
		return webrtc.MimeTypeH265, "profile-id=1", 97
	}
	return webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f", 96
}

// transition moves the session to next and invokes the state-change
// hook, unless the session is already in a terminal state or next
// doesn't move the state machine forward (e.g. a second Connected event).
func (s *Session) transition(next State) {
	s.mu.Lock()
	cur := s.state
	if cur == Closed || cur == Failed || next <= cur {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	if s.onStateChange != nil {
		s.onStateChange(s.ID, next)
	}
}

// SetRemoteOffer validates and applies a remote SDP offer, moving the
// session to Offered. An invalid offer leaves the session untouched and
// returns an error; the caller is responsible for destroying it.
func (s *Session) SetRemoteOffer(sdp string) error {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}

	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pendingRemoteCandidates
	s.pendingRemoteCandidates = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("apply queued candidate failed", "peer", s.ID, "error", err)
		}
	}

	s.transition(Offered)
	return nil
}

// CreateAnswer builds and sets the local answer, waits for ICE gathering
// to complete (so the returned SDP carries every local candidate), and
// moves the session to Answered.
func (s *Session) CreateAnswer() (string, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	s.mu.Lock()
	s.localDescSet = true
	s.mu.Unlock()

	s.transition(Answered)

	local := s.pc.LocalDescription()
	if local == nil {
		return "", errors.New("local description missing after gathering")
	}
	sdp := local.SDP
	if s.maxBitrateKbps > 0 {
		sdp = applyVideoBandwidth(sdp, s.maxBitrateKbps)
	}
	return sdp, nil
}

// applyVideoBandwidth inserts an RFC 4566 "b=AS:<kbps>" line into the
// m=video section of sdp, advertising Config.MaxBitrateKbps as the
// transport-level cap per §6.4. pion's RTPSender exposes no bitrate-cap
// API of its own, so the cap rides in the SDP instead of through the
// sender.
func applyVideoBandwidth(sdp string, kbps int) string {
	lines := strings.Split(sdp, "\r\n")
	out := make([]string, 0, len(lines)+1)
	inVideo := false
	inserted := false
	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			inVideo = strings.HasPrefix(line, "m=video")
		}
		out = append(out, line)
		if inVideo && !inserted && strings.HasPrefix(line, "c=") {
			out = append(out, "b=AS:"+strconv.Itoa(kbps))
			inserted = true
		}
	}
	return strings.Join(out, "\r\n")
}

// AddRemoteCandidate queues candidate if the remote description hasn't
// been applied yet, draining in receipt order once it has; otherwise it
// applies immediately. Per §8, replaying the same candidate twice after
// the remote description is set is delegated to the ICE agent, which
// ignores duplicates.
func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteDescSet {
		s.pendingRemoteCandidates = append(s.pendingRemoteCandidates, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.pc.AddICECandidate(c)
}

// WriteVideo publishes a sample of the given presentation duration on
// the video track. No-op outside {Offered, Answered, Connected}; the
// duration itself is computed upstream by the distribution loop (§4.5).
func (s *Session) WriteVideo(payload []byte, duration time.Duration) error {
	if !s.writable() {
		return nil
	}
	return s.videoTrack.WriteSample(media.Sample{Data: payload, Duration: duration})
}

// WriteAudio publishes a sample of the given presentation duration on
// the audio track. No-op outside {Offered, Answered, Connected}.
func (s *Session) WriteAudio(payload []byte, duration time.Duration) error {
	if !s.writable() {
		return nil
	}
	return s.audioTrack.WriteSample(media.Sample{Data: payload, Duration: duration})
}

func (s *Session) writable() bool {
	st := s.State()
	return st == Offered || st == Answered || st == Connected
}

// State returns the session's current application state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasLocalDescription reports whether SetLocalDescription has completed.
// CreateAnswer records this before moving the session to Answered (§8).
func (s *Session) HasLocalDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDescSet
}

// DrainLocalCandidates returns and clears every local candidate recorded
// since the last drain, for polling clients (§4.3).
func (s *Session) DrainLocalCandidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.localCandidates
	s.localCandidates = nil
	return out
}

// Close transitions the session to Closed and releases transport
// resources. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.mu.Unlock()

	s.pc.Close()

	if s.onStateChange != nil {
		s.onStateChange(s.ID, Closed)
	}
}
