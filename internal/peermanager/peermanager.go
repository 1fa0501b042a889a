// Package peermanager implements C3: the shared PeerSet and the fan-out
// of decoded media samples to every connected viewer. It is the only
// component that mutates the peer set; signaling and distribution both
// call into it rather than touching sessions directly.
package peermanager

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"hdmigateway/internal/config"
	"hdmigateway/internal/errs"
	"hdmigateway/internal/session"
	"hdmigateway/internal/stats"
	"hdmigateway/internal/types"
)

// closeTimeout bounds how long Close waits for an individual session's
// PeerConnection to tear down, per §5's close budget.
const closeTimeout = 2 * time.Second

// ConnectedFunc is invoked when a tracked peer's transport crosses into or
// out of session.Connected. A Manager supports a single subscriber,
// matching the session package's own hook pattern.
type ConnectedFunc func(peerID string)

// Manager owns every live Session and fans media out to them. Reads (the
// fan-out path) take the read lock; create/remove take the write lock, so
// a burst of incoming samples never blocks behind a single peer joining
// or leaving.
type Manager struct {
	cfg      config.Config
	log      *slog.Logger
	counters *stats.Counters

	iceServers []webrtc.ICEServer

	onPeerConnected    ConnectedFunc
	onPeerDisconnected ConnectedFunc

	idSeq atomic.Int64

	mu        sync.RWMutex
	peers     map[string]*session.Session
	connected map[string]bool
}

// New builds an empty Manager. iceServers is threaded into every Session
// the manager creates.
func New(cfg config.Config, iceServers []webrtc.ICEServer, log *slog.Logger, counters *stats.Counters) *Manager {
	return &Manager{
		cfg:        cfg,
		log:        log,
		counters:   counters,
		iceServers: iceServers,
		peers:      make(map[string]*session.Session),
		connected:  make(map[string]bool),
	}
}

// OnPeerConnected registers the single subscriber notified when a tracked
// peer's transport reaches session.Connected. §4.6's stats reporter is the
// one caller, updating the connected-peer gauge.
func (m *Manager) OnPeerConnected(fn ConnectedFunc) { m.onPeerConnected = fn }

// OnPeerDisconnected registers the single subscriber notified when a
// previously connected peer transitions to Failed or Closed.
func (m *Manager) OnPeerDisconnected(fn ConnectedFunc) { m.onPeerDisconnected = fn }

// Count returns the number of peers currently tracked: sessions are added
// once answered and counted until removal completes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// ConnectedCount returns the number of tracked peers whose transport has
// reached session.Connected, per §4.6's connected-peer count.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connected)
}

// mintPeerID concatenates a monotonic per-process counter with the first
// segment of a random v4 UUID, per §3's PeerSession definition.
func (m *Manager) mintPeerID() string {
	n := m.idSeq.Add(1)
	suffix := uuid.New().String()
	if i := len(suffix); i > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%d-%s", n, suffix)
}

// CreatePeer mints a new session from a remote SDP offer, applies it,
// generates the local answer, and only then adds the session to the peer
// set — a session that fails offer/answer negotiation never becomes
// visible to fan-out or to later signaling calls by its ID.
func (m *Manager) CreatePeer(offerSDP string) (peerID, answerSDP string, err error) {
	m.mu.RLock()
	full := len(m.peers) >= m.cfg.MaxPeers
	m.mu.RUnlock()
	if full {
		return "", "", &errs.SignalingExhausted{Limit: m.cfg.MaxPeers}
	}

	id := m.mintPeerID()

	sessCfg := session.Config{
		VideoCodec:     videoCodec(m.cfg.VideoCodec),
		MaxBitrateKbps: m.cfg.MaxBitrateKbps,
		ICEServers:     m.iceServers,
	}

	sess, err := session.New(id, sessCfg, m.log, m.onStateChange, nil)
	if err != nil {
		return "", "", fmt.Errorf("create session: %w", err)
	}

	if err := sess.SetRemoteOffer(offerSDP); err != nil {
		sess.Close()
		return "", "", errs.NewSignalingBadRequest("set remote offer", err)
	}

	answer, err := sess.CreateAnswer()
	if err != nil {
		sess.Close()
		return "", "", fmt.Errorf("create answer: %w", err)
	}

	m.mu.Lock()
	if len(m.peers) >= m.cfg.MaxPeers {
		m.mu.Unlock()
		sess.Close()
		return "", "", &errs.SignalingExhausted{Limit: m.cfg.MaxPeers}
	}
	m.peers[id] = sess
	m.mu.Unlock()

	m.log.Info("peer created", "peer", id)
	return id, answer, nil
}

// AddRemoteCandidate forwards a remote ICE candidate to the named peer.
func (m *Manager) AddRemoteCandidate(peerID string, candidate webrtc.ICECandidateInit) error {
	sess, ok := m.get(peerID)
	if !ok {
		return &errs.NotFound{PeerID: peerID}
	}
	return sess.AddRemoteCandidate(candidate)
}

// DrainLocalCandidates returns and clears the named peer's pending local
// ICE candidates, for clients that poll rather than use trickle push.
func (m *Manager) DrainLocalCandidates(peerID string) ([]webrtc.ICECandidateInit, error) {
	sess, ok := m.get(peerID)
	if !ok {
		return nil, &errs.NotFound{PeerID: peerID}
	}
	return sess.DrainLocalCandidates(), nil
}

// RemovePeer closes and forgets the named peer, e.g. in response to an
// explicit client teardown call.
func (m *Manager) RemovePeer(peerID string) error {
	m.mu.Lock()
	sess, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return &errs.NotFound{PeerID: peerID}
	}
	sess.Close()
	return nil
}

// WriteVideoSample fans a decoded video sample, already wrapped with its
// presentation duration by the distribution loop (§4.5), out to every
// connected session.
func (m *Manager) WriteVideoSample(payload []byte, duration time.Duration) {
	for _, sess := range m.snapshot() {
		if err := sess.WriteVideo(payload, duration); err != nil {
			m.log.Debug("write video sample failed", "peer", sess.ID, "error", err)
		}
	}
}

// WriteAudioSample fans a decoded audio sample out to every connected
// session.
func (m *Manager) WriteAudioSample(payload []byte, duration time.Duration) {
	for _, sess := range m.snapshot() {
		if err := sess.WriteAudio(payload, duration); err != nil {
			m.log.Debug("write audio sample failed", "peer", sess.ID, "error", err)
		}
	}
}

// snapshot copies the current session slice under a read lock so fan-out
// never holds the lock while writing to tracks, which can block on a slow
// or wedged peer.
func (m *Manager) snapshot() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.peers))
	for _, sess := range m.peers {
		out = append(out, sess)
	}
	return out
}

func (m *Manager) get(peerID string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.peers[peerID]
	return sess, ok
}

func videoCodec(s string) types.VideoCodec {
	if s == "hevc" {
		return types.CodecHEVC
	}
	return types.CodecH264
}

// onStateChange is wired into every Session as its StateChangeFunc. A
// session reaching Failed or Closed is removed from the peer set so it
// stops receiving fan-out writes and drops out of the health count.
func (m *Manager) onStateChange(peerID string, state session.State) {
	switch state {
	case session.Connected:
		m.markConnected(peerID)
		if m.onPeerConnected != nil {
			m.onPeerConnected(peerID)
		}
	case session.Failed:
		m.counters.PeerFailure()
		m.log.Warn("peer transport failed", "peer", peerID)
		m.remove(peerID)
	case session.Closed:
		m.log.Info("peer closed", "peer", peerID)
		m.remove(peerID)
	}
}

func (m *Manager) markConnected(peerID string) {
	m.mu.Lock()
	m.connected[peerID] = true
	m.mu.Unlock()
}

// remove forgets peerID and, if it had reached Connected, fires
// onPeerDisconnected exactly once.
func (m *Manager) remove(peerID string) {
	m.mu.Lock()
	delete(m.peers, peerID)
	wasConnected := m.connected[peerID]
	delete(m.connected, peerID)
	m.mu.Unlock()

	if wasConnected && m.onPeerDisconnected != nil {
		m.onPeerDisconnected(peerID)
	}
}

// Close transitions every peer to Closed, bounding each session's
// teardown to closeTimeout so one wedged PeerConnection cannot stall
// process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.peers))
	for _, sess := range m.peers {
		sessions = append(sessions, sess)
	}
	m.peers = make(map[string]*session.Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Close()
		}(sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeTimeout):
		m.log.Warn("peer manager close timed out waiting for sessions")
	}
}
