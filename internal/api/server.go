package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"Constellation/internal/logger"
	"Constellation/internal/quantum"
)

const (
	// maxBodySize is the maximum submission size in bytes.
	maxBodySize = quantum.MaxPayloadSize + quantum.MaxTransactionSize + 1024
)

// ErrNotAlpha is returned by a Submitter that does not assign apexes.
var ErrNotAlpha = errors.New("this node is not the alpha")

// Submitter assigns an apex to a client submission.
type Submitter interface {
	Submit(s *quantum.Submission) (*quantum.Quantum, error)
}

// QuantumReader reads finalized quanta from durable storage.
type QuantumReader interface {
	Load(apex uint64) (*quantum.Persisted, error)
}

// Status is the node snapshot served on /status.
type Status struct {
	State          string `json:"state"`
	AuditorID      uint8  `json:"auditorId"`
	Alpha          uint8  `json:"alpha"`
	Auditors       int    `json:"auditors"`
	Majority       int    `json:"majority"`
	ConsensusHead  uint64 `json:"consensusHead"`
	QuantaHead     uint64 `json:"quantaHead"`
	SignaturesHead uint64 `json:"signaturesHead"`
	LastPersisted  uint64 `json:"lastPersisted"`
	PendingFlush   int    `json:"pendingFlush"`
}

// StatusProvider exposes node state for monitoring.
type StatusProvider interface {
	Status() Status
}

// Server is the HTTP API server.
type Server struct {
	addr      string         // addr is the HTTP listen address
	submitter Submitter      // submitter assigns apexes, nil when submissions are refused
	reader    QuantumReader  // reader serves finalized quanta
	status    StatusProvider // status provides node state for monitoring
	metrics   http.Handler   // metrics serves the Prometheus exposition
	server    *http.Server   // server is the underlying HTTP server
}

// New creates a new HTTP API server. Any dependency may be nil, which disables its routes.
func New(addr string, submitter Submitter, reader QuantumReader, status StatusProvider, metrics http.Handler) *Server {
	return &Server{
		addr:      addr,
		submitter: submitter,
		reader:    reader,
		status:    status,
		metrics:   metrics,
	}
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /quanta", s.handleSubmit)
	mux.HandleFunc("GET /quanta/{apex}", s.handleGetQuantum)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleSubmit handles POST /quanta. The body is a FlatBuffers SubmitRequest.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNotAlpha.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	sub, err := parseSubmission(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := s.submitter.Submit(sub)
	switch {
	case errors.Is(err, ErrNotAlpha):
		writeError(w, http.StatusMisdirectedRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	logger.Debug("quantum submitted", "apex", q.Apex, "kind", q.Kind)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"apex": q.Apex,
		"hash": hex.EncodeToString(q.PayloadHash[:]),
	})
}

// handleGetQuantum handles GET /quanta/{apex}.
func (s *Server) handleGetQuantum(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}

	apex, err := parseApex(r.PathValue("apex"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.reader.Load(apex)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read failed")
		logger.Warn("load quantum failed", "apex", apex, "error", err)
		return
	}

	if p == nil {
		writeError(w, http.StatusNotFound, "quantum not persisted")
		return
	}

	writeJSON(w, http.StatusOK, persistedView(p))
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, s.status.Status())
}

// signatureView is the JSON form of a node signature.
type signatureView struct {
	AuditorID   uint8  `json:"auditorId"`
	Signature   string `json:"signature"`
	TxSignature string `json:"txSignature,omitempty"`
}

// effectView is the JSON form of an effect.
type effectView struct {
	Account string `json:"account"`
	Kind    uint8  `json:"kind"`
	Data    []byte `json:"data,omitempty"`
}

// quantumView is the JSON form of a finalized quantum.
type quantumView struct {
	Apex       uint64          `json:"apex"`
	Kind       string          `json:"kind"`
	Hash       string          `json:"hash"`
	Timestamp  int64           `json:"timestamp"`
	Initiator  string          `json:"initiator"`
	Payload    []byte          `json:"payload"`
	Signatures []signatureView `json:"signatures"`
	Effects    []effectView    `json:"effects,omitempty"`
}

// persistedView converts a persisted quantum for JSON output.
func persistedView(p *quantum.Persisted) quantumView {
	q := p.Quantum

	v := quantumView{
		Apex:      q.Apex,
		Kind:      q.Kind.String(),
		Hash:      hex.EncodeToString(q.PayloadHash[:]),
		Timestamp: q.Timestamp,
		Initiator: string(q.Initiator),
		Payload:   q.Payload,
	}

	for _, sig := range p.Signatures {
		v.Signatures = append(v.Signatures, signatureView{
			AuditorID:   sig.AuditorID,
			Signature:   hex.EncodeToString(sig.PayloadSignature),
			TxSignature: hex.EncodeToString(sig.TxSignature),
		})
	}

	for _, e := range p.Effects {
		v.Effects = append(v.Effects, effectView{Account: string(e.Account), Kind: e.Kind, Data: e.Data})
	}

	return v
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
