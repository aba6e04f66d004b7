package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/netshare/netshare/internal/broker"
	"github.com/netshare/netshare/internal/domain"
)

type registerRequest struct {
	Role string `json:"role"`
}

type registerResponse struct {
	PeerID       string `json:"peer_id"`
	Role         string `json:"role"`
	DailyLimitGB int    `json:"daily_limit_gb"`
}

type settingsRequest struct {
	DailyLimitGB int `json:"daily_limit_gb"`
}

type connectRequest struct {
	// SharerID pins the connection to a known sharer peer id;
	// empty lets the matcher pick.
	SharerID string `json:"sharer_id,omitempty"`
}

type usageRequest struct {
	TunnelID string  `json:"tunnel_id"`
	UsedGB   float64 `json:"used_gb"`
}

type sharingStartResponse struct {
	TunnelID string `json:"tunnel_id"`
	Port     int    `json:"port"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := s.broker.Store().CreatePeer(r.Context(), peerID(r), req.Role)
	if err != nil {
		if errors.Is(err, domain.ErrPeerExists) {
			s.writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		PeerID:       p.ID,
		Role:         p.Role,
		DailyLimitGB: p.DailyLimitGB,
	})
}

func (s *Server) handleSharingStart(w http.ResponseWriter, r *http.Request) {
	tun, err := s.broker.StartSharing(r.Context(), peerID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sharingStartResponse{TunnelID: tun.ID, Port: tun.Port})
}

func (s *Server) handleSharingStop(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.StopSharing(r.Context(), peerID(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSharingSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.broker.Store().SetDailyLimit(r.Context(), peerID(r), req.DailyLimitGB)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPeerNotFound), errors.Is(err, domain.ErrWrongRole):
			s.writeDomainError(w, err)
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	clientID := peerID(r)
	var err error
	if req.SharerID == "" {
		_, err = s.broker.ConnectBest(r.Context(), clientID, broker.PolicyScored)
	} else {
		_, err = s.broker.Connect(r.Context(), clientID, req.SharerID)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	status, err := s.broker.ClientStatus(r.Context(), clientID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Disconnect(r.Context(), peerID(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUsage ingests bandwidth reports from tunnel instances, which
// authenticate with the PEER_ID their machine was created with.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TunnelID == "" || req.UsedGB < 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.broker.ReportUsage(r.Context(), peerID(r), req.TunnelID, req.UsedGB); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.statusFor(r, peerID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// statusFor returns the role-appropriate status payload.
func (s *Server) statusFor(r *http.Request, id string) (any, error) {
	p, err := s.broker.Store().PeerByID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if p.Role == domain.RoleSharer {
		return s.broker.SharerStatus(r.Context(), id)
	}
	return s.broker.ClientStatus(r.Context(), id)
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.broker.AvailableNetworks(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, networks)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeDomainError maps broker sentinels to HTTP statuses. Conflicts
// of state are 409, missing records 404, an unreachable or exhausted
// backend 502/503.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case errors.Is(err, domain.ErrPeerNotFound), errors.Is(err, domain.ErrTunnelNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrNoCapacity), errors.Is(err, domain.ErrNoneAvailable),
		errors.Is(err, domain.ErrPeerExists), errors.Is(err, domain.ErrAlreadySharing),
		errors.Is(err, domain.ErrNotSharing), errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrTunnelBusy), errors.Is(err, domain.ErrWrongRole):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrBackendUnavailable), errors.Is(err, domain.ErrProbeFailed):
		code = http.StatusBadGateway
	case errors.Is(err, domain.ErrPoolExhausted):
		code = http.StatusServiceUnavailable
	default:
		s.log.Error("request failed", "error", err)
		code = http.StatusInternalServerError
	}
	writeError(w, code, err.Error())
}
