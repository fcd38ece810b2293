package broker

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// LeaseHeader carries the lease token on refresh and release.
const LeaseHeader = "X-Lease-Token"

const (
	maxBodyBytes = 4096
	qrSize       = 320
)

// claimRequest is the body of PUT/POST /peers.
type claimRequest struct {
	Addr string `json:"addr"`
}

// errorResponse is sent on every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes a Registry over HTTP.
type Server struct {
	reg    *Registry
	logger *slog.Logger
}

func NewServer(reg *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{reg: reg, logger: logger}
}

// Register mounts the broker routes under prefix:
//   - POST   $prefix/peers           → claim a random room code
//   - PUT    $prefix/peers/:id       → claim a chosen identifier
//   - GET    $prefix/peers/:id       → look up where :id listens
//   - PUT    $prefix/peers/:id/lease → refresh a lease
//   - DELETE $prefix/peers/:id       → release a lease
//   - GET    $prefix/peers/:id/qr    → PNG QR code of the identifier
func (s *Server) Register(prefix string, mux *httprouter.Router) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.POST(prefix+"/peers", s.claimRandom)
	mux.PUT(prefix+"/peers/:id", s.claim)
	mux.GET(prefix+"/peers/:id", s.lookup)
	mux.PUT(prefix+"/peers/:id/lease", s.refresh)
	mux.DELETE(prefix+"/peers/:id", s.release)
	mux.GET(prefix+"/peers/:id/qr", s.qr)
}

func (s *Server) claimRandom(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := s.readClaim(w, r)
	if !ok {
		return
	}

	lease, err := s.reg.ClaimRandom(req.Addr)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Debug("assigned room code", "id", lease.ID, "addr", lease.Addr)
	writeJSON(w, http.StatusCreated, lease)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	req, ok := s.readClaim(w, r)
	if !ok {
		return
	}

	lease, err := s.reg.Claim(ps.ByName("id"), req.Addr)
	if err != nil {
		s.logger.Debug("claim rejected", "id", ps.ByName("id"), "error", err)
		s.writeError(w, err)
		return
	}

	s.logger.Debug("claimed identifier", "id", lease.ID, "addr", lease.Addr)
	writeJSON(w, http.StatusCreated, lease)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	lease, err := s.reg.Lookup(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	lease, err := s.reg.Refresh(ps.ByName("id"), r.Header.Get(LeaseHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.reg.Release(ps.ByName("id"), r.Header.Get(LeaseHeader)); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Debug("released identifier", "id", ps.ByName("id"))
	w.WriteHeader(http.StatusNoContent)
}

// qr renders the room code itself, which is what the other player types in.
func (s *Server) qr(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !validID(id) {
		s.writeError(w, ErrInvalidID)
		return
	}

	png, err := qrcode.Encode(id, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func (s *Server) readClaim(w http.ResponseWriter, r *http.Request) (claimRequest, bool) {
	var req claimRequest

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || json.Unmarshal(body, &req) != nil || strings.TrimSpace(req.Addr) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"addr\": \"host:port\"}"})
		return req, false
	}

	return req, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrTaken):
		status = http.StatusConflict
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrBadToken):
		status = http.StatusForbidden
	case errors.Is(err, ErrInvalidID):
		status = http.StatusBadRequest
	}

	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
