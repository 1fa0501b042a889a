package peermanager

import (
	"io"
	"log/slog"
	"testing"

	"github.com/pion/webrtc/v4"

	"hdmigateway/internal/config"
	"hdmigateway/internal/errs"
	"hdmigateway/internal/session"
	"hdmigateway/internal/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(maxPeers int) *Manager {
	cfg := config.Default()
	cfg.MaxPeers = maxPeers
	return New(cfg, nil, testLogger(), stats.New())
}

func TestMintPeerIDIsUniqueAndMonotonic(t *testing.T) {
	m := newTestManager(16)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := m.mintPeerID()
		if seen[id] {
			t.Fatalf("duplicate peer id minted: %s", id)
		}
		seen[id] = true
	}
}

func TestCreatePeerRejectsInvalidOffer(t *testing.T) {
	m := newTestManager(16)
	_, _, err := m.CreatePeer("not a valid sdp offer")
	if err == nil {
		t.Fatalf("expected error for malformed offer")
	}
	if m.Count() != 0 {
		t.Fatalf("a failed negotiation must not add a peer, got count %d", m.Count())
	}
}

func TestAddRemoteCandidateUnknownPeerIsNotFound(t *testing.T) {
	m := newTestManager(16)
	err := m.AddRemoteCandidate("nonexistent", candidateInit())
	if err == nil {
		t.Fatalf("expected NotFound error")
	}
	if _, ok := err.(*errs.NotFound); !ok {
		t.Fatalf("got %T, want *errs.NotFound", err)
	}
}

func TestDrainLocalCandidatesUnknownPeerIsNotFound(t *testing.T) {
	m := newTestManager(16)
	_, err := m.DrainLocalCandidates("nonexistent")
	if _, ok := err.(*errs.NotFound); !ok {
		t.Fatalf("got %T, want *errs.NotFound", err)
	}
}

func TestRemovePeerUnknownPeerIsNotFound(t *testing.T) {
	m := newTestManager(16)
	err := m.RemovePeer("nonexistent")
	if _, ok := err.(*errs.NotFound); !ok {
		t.Fatalf("got %T, want *errs.NotFound", err)
	}
}

func TestCloseIsSafeOnEmptyManager(t *testing.T) {
	m := newTestManager(16)
	m.Close() // must return promptly, not block on closeTimeout
}

func candidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 1.2.3.4 5000 typ host"}
}

func TestConnectedHookFiresOnceAndDisconnectedFiresOnRemoval(t *testing.T) {
	m := newTestManager(16)

	var connected, disconnected []string
	m.OnPeerConnected(func(id string) { connected = append(connected, id) })
	m.OnPeerDisconnected(func(id string) { disconnected = append(disconnected, id) })

	m.peers["p1"] = nil // onStateChange only needs the id, not a live session

	m.onStateChange("p1", session.Connected)
	if m.ConnectedCount() != 1 {
		t.Fatalf("got ConnectedCount %d, want 1", m.ConnectedCount())
	}
	if len(connected) != 1 || connected[0] != "p1" {
		t.Fatalf("got connected hook calls %v, want [p1]", connected)
	}

	m.onStateChange("p1", session.Closed)
	if m.ConnectedCount() != 0 {
		t.Fatalf("got ConnectedCount %d after close, want 0", m.ConnectedCount())
	}
	if len(disconnected) != 1 || disconnected[0] != "p1" {
		t.Fatalf("got disconnected hook calls %v, want [p1]", disconnected)
	}
}

func TestDisconnectedHookNotFiredForPeerThatNeverConnected(t *testing.T) {
	m := newTestManager(16)

	var disconnected []string
	m.OnPeerDisconnected(func(id string) { disconnected = append(disconnected, id) })

	m.peers["p2"] = nil
	m.onStateChange("p2", session.Failed)

	if len(disconnected) != 0 {
		t.Fatalf("got disconnected hook calls %v, want none for a peer that never connected", disconnected)
	}
}
