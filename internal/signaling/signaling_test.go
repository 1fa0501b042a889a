package signaling

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hdmigateway/internal/config"
	"hdmigateway/internal/peermanager"
	"hdmigateway/internal/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(maxPeers int) *Server {
	cfg := config.Default()
	cfg.MaxPeers = maxPeers
	peers := peermanager.New(cfg, nil, testLogger(), stats.New())
	return New(cfg, peers, testLogger(), time.Now())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOfferWithMalformedSDPReturns400(t *testing.T) {
	srv := newTestServer(16)
	rec := doJSON(t, srv.Handler(), "POST", "/webrtc/offer", offerRequest{SDP: "not sdp", Type: "offer"}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "invalid_offer" {
		t.Fatalf("got error kind %q, want invalid_offer", resp.Error)
	}
}

func TestOfferWithEmptySDPReturns400(t *testing.T) {
	srv := newTestServer(16)
	rec := doJSON(t, srv.Handler(), "POST", "/webrtc/offer", offerRequest{Type: "offer"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestOfferAtCapacityReturns503(t *testing.T) {
	srv := newTestServer(0) // no room for any peer
	rec := doJSON(t, srv.Handler(), "POST", "/webrtc/offer", offerRequest{SDP: "v=0", Type: "offer"}, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "exhausted" {
		t.Fatalf("got error kind %q, want exhausted", resp.Error)
	}
}

func TestCandidateWithoutPeerIDHeaderReturns400(t *testing.T) {
	srv := newTestServer(16)
	rec := doJSON(t, srv.Handler(), "POST", "/webrtc/candidate",
		candidateRequest{Candidate: "candidate:1 1 udp 1 1.2.3.4 5000 typ host"}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestCandidateForUnknownPeerReturns404(t *testing.T) {
	srv := newTestServer(16)
	rec := doJSON(t, srv.Handler(), "POST", "/webrtc/candidate",
		candidateRequest{Candidate: "candidate:1 1 udp 1 1.2.3.4 5000 typ host"},
		map[string]string{PeerIDHeader: "nonexistent"})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "unknown_peer" {
		t.Fatalf("got error kind %q, want unknown_peer", resp.Error)
	}
}

func TestHealthReportsPeerCountAndUptime(t *testing.T) {
	srv := newTestServer(16)
	rec := doJSON(t, srv.Handler(), "GET", "/webrtc/health", nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("got status field %q, want ok", resp.Status)
	}
	if resp.Peers != 0 {
		t.Fatalf("got peers %d, want 0", resp.Peers)
	}
	if resp.Uptime == "" {
		t.Fatalf("expected non-empty uptime string")
	}
}

func TestCORSHeaderReflectsWildcardOrigin(t *testing.T) {
	srv := newTestServer(16)
	rec := doJSON(t, srv.Handler(), "GET", "/webrtc/health", nil, map[string]string{"Origin": "https://viewer.example"})

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("got Access-Control-Allow-Origin %q, want *", got)
	}
}
