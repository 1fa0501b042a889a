// Package signaling implements C5: the HTTP surface viewers use to
// negotiate a PeerConnection and poll gateway health, per §6.2.
package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"hdmigateway/internal/config"
	"hdmigateway/internal/errs"
	"hdmigateway/internal/peermanager"
)

// PeerIDHeader carries the negotiated peer's ID on every request after
// the initial offer, since candidates are scoped to one session.
const PeerIDHeader = "X-Peer-ID"

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type answerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type candidateRequest struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type candidateResponse struct {
	Success bool   `json:"success"`
	PeerID  string `json:"peer_id"`
}

type healthResponse struct {
	Status string `json:"status"`
	Peers  int    `json:"peers"`
	Uptime string `json:"uptime"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Server holds the HTTP handlers wired to a peer manager.
type Server struct {
	cfg     config.Config
	peers   *peermanager.Manager
	log     *slog.Logger
	started time.Time
}

// New builds a Server. started is the process start time, used for the
// health endpoint's uptime field.
func New(cfg config.Config, peers *peermanager.Manager, log *slog.Logger, started time.Time) *Server {
	return &Server{cfg: cfg, peers: peers, log: log, started: started}
}

// Handler returns the ServeMux wiring every route in §6.2.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webrtc/offer", s.withCORS(s.handleOffer))
	mux.HandleFunc("POST /webrtc/candidate", s.withCORS(s.handleCandidate))
	mux.HandleFunc("GET /webrtc/health", s.withCORS(s.handleHealth))
	mux.HandleFunc("OPTIONS /webrtc/offer", s.withCORS(noopOptions))
	mux.HandleFunc("OPTIONS /webrtc/candidate", s.withCORS(noopOptions))
	return mux
}

func noopOptions(w http.ResponseWriter, r *http.Request) {}

// withCORS sets the allow-origin header per Config.OriginAllowed before
// delegating to next, and rejects a disallowed Origin with 403.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !s.cfg.OriginAllowed(origin) {
			writeError(w, http.StatusForbidden, "forbidden_origin", "origin not allowed")
			return
		}
		if s.cfg.AllowAnyOrigin() {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+PeerIDHeader)
		next(w, r)
	}
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_offer", err.Error())
		return
	}
	if req.SDP == "" {
		writeError(w, http.StatusBadRequest, "invalid_offer", "missing sdp")
		return
	}

	peerID, answerSDP, err := s.peers.CreatePeer(req.SDP)
	if err != nil {
		s.writeSignalingError(w, "offer", err)
		return
	}

	w.Header().Set(PeerIDHeader, peerID)
	writeJSON(w, http.StatusOK, answerResponse{SDP: answerSDP, Type: "answer"})
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	peerID := r.Header.Get(PeerIDHeader)
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_candidate", "missing "+PeerIDHeader+" header")
		return
	}

	var req candidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_candidate", err.Error())
		return
	}

	init := webrtc.ICECandidateInit{
		Candidate:     req.Candidate,
		SDPMid:        &req.SDPMid,
		SDPMLineIndex: &req.SDPMLineIndex,
	}

	if err := s.peers.AddRemoteCandidate(peerID, init); err != nil {
		s.writeSignalingError(w, "candidate", err)
		return
	}

	writeJSON(w, http.StatusOK, candidateResponse{Success: true, PeerID: peerID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.started).Round(time.Second).String()
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Peers:  s.peers.ConnectedCount(),
		Uptime: uptime,
	})
}

// writeSignalingError maps the errs taxonomy onto the status codes and
// error kinds §6.2 specifies.
func (s *Server) writeSignalingError(w http.ResponseWriter, op string, err error) {
	var badReq *errs.SignalingBadRequest
	var exhausted *errs.SignalingExhausted
	var notFound *errs.NotFound

	switch {
	case errors.As(err, &badReq):
		writeError(w, http.StatusBadRequest, "invalid_"+op, badReq.Error())
	case errors.As(err, &exhausted):
		writeError(w, http.StatusServiceUnavailable, "exhausted", exhausted.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "unknown_peer", notFound.Error())
	default:
		s.log.Error("signaling internal error", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
