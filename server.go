package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"i4.energy/across/cellink/codec"
	"i4.energy/across/cellink/driver"
	"i4.energy/across/cellink/session"
)

const eventWriteTimeout = 5 * time.Second

// Server exposes the connection state of the configured driver over HTTP
// and streams its events over a websocket.
type Server struct {
	Logger *slog.Logger
	Driver *driver.Driver
	// Connect brings the connection up, Disconnect takes it down.
	Connect    func(ctx context.Context) error
	Disconnect func(ctx context.Context) error
	Upgrader   websocket.Upgrader
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

// statusCode maps driver errors to HTTP statuses.
func statusCode(err error) int {
	var (
		denied *driver.RegistrationDeniedError
		bearer *driver.BearerActivationError
		rej    *codec.ChipRejected
	)
	switch {
	case errors.Is(err, codec.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, driver.ErrHardwareFault):
		return http.StatusServiceUnavailable
	case errors.Is(err, driver.ErrStageLost):
		return http.StatusConflict
	case errors.Is(err, driver.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &denied), errors.As(err, &bearer), errors.As(err, &rej),
		errors.Is(err, driver.ErrSIMPinRequired):
		return http.StatusBadGateway
	case errors.Is(err, driver.ErrNoResetLine):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

type registrationStatus struct {
	Status      string    `json:"status"`
	RejectCause *int      `json:"reject_cause,omitempty"`
	RSSI        *int      `json:"rssi_dbm,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

type bearerStatus struct {
	CID         int       `json:"cid"`
	APN         string    `json:"apn,omitempty"`
	Address     string    `json:"address,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}

type socketStatus struct {
	ConnID   int    `json:"conn_id"`
	State    string `json:"state"`
	Protocol string `json:"protocol,omitempty"`
	Remote   string `json:"remote,omitempty"`
	Pending  int    `json:"pending"`
	LastErr  string `json:"last_error,omitempty"`
}

type statusResponse struct {
	Stage          string             `json:"stage"`
	DegradedReason string             `json:"degraded_reason,omitempty"`
	Registration   registrationStatus `json:"registration"`
	Bearer         *bearerStatus      `json:"bearer,omitempty"`
	Sockets        []socketStatus     `json:"sockets"`
}

func (s *Server) status() statusResponse {
	snap := s.Driver.Snapshot()
	resp := statusResponse{
		Stage:          snap.Stage.String(),
		DegradedReason: snap.DegradedReason,
		Registration: registrationStatus{
			Status:    snap.Registration.Status.String(),
			UpdatedAt: snap.Registration.UpdatedAt,
		},
		Sockets: []socketStatus{},
	}
	if c := snap.Registration.RejectCause; c != codec.NoRejectCause {
		resp.Registration.RejectCause = &c
	}
	if q := snap.Registration.Signal; q != nil && q.Known() {
		dbm := q.DBm()
		resp.Registration.RSSI = &dbm
	}
	if b := snap.Bearer; b != nil {
		resp.Bearer = &bearerStatus{CID: b.CID, APN: b.APN, ActivatedAt: b.ActivatedAt}
		if b.Address.IsValid() {
			resp.Bearer.Address = b.Address.String()
		}
	}
	for _, slot := range s.Driver.Sockets() {
		st := socketStatus{ConnID: slot.ConnID, State: slot.State.String(), Remote: slot.Remote, Pending: slot.Pending}
		if slot.Remote != "" {
			st.Protocol = slot.Protocol.String()
		}
		if slot.LastErr != nil {
			st.LastErr = slot.LastErr.Error()
		}
		resp.Sockets = append(resp.Sockets, st)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, s.status(), http.StatusOK)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	q, err := s.Driver.SignalQuality(r.Context())
	if err != nil {
		s.sendError(w, err.Error(), statusCode(err))
		return
	}

	type SignalResponse struct {
		RSSI  int  `json:"rssi"`
		BER   int  `json:"ber"`
		DBm   *int `json:"dbm,omitempty"`
		Known bool `json:"known"`
	}
	resp := SignalResponse{RSSI: q.RSSI, BER: q.BER, Known: q.Known()}
	if resp.Known {
		dbm := q.DBm()
		resp.DBm = &dbm
	}
	s.sendJSON(w, resp, http.StatusOK)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.Connect(r.Context()); err != nil {
		s.Logger.Error("Connect failed", "error", err, "stage", s.Driver.Stage())
		s.sendError(w, err.Error(), statusCode(err))
		return
	}
	s.Logger.Info("Connected", "stage", s.Driver.Stage())
	s.sendJSON(w, s.status(), http.StatusOK)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.Disconnect(r.Context()); err != nil {
		s.Logger.Error("Disconnect failed", "error", err)
		s.sendError(w, err.Error(), statusCode(err))
		return
	}
	s.sendJSON(w, s.status(), http.StatusOK)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Driver.Reset(r.Context()); err != nil {
		s.Logger.Error("Reset failed", "error", err)
		s.sendError(w, err.Error(), statusCode(err))
		return
	}
	s.Logger.Info("Modem reset")
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents streams every driver event to a websocket client until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.Driver.Subscribe(32)
	defer unsubscribe()

	s.Logger.Debug("Event client connected", "remote", r.RemoteAddr)
	defer s.Logger.Debug("Event client disconnected", "remote", r.RemoteAddr)

	// the client only sends close frames; reading detects them
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := encodeEvent(ev, time.Now())
			if err != nil {
				s.Logger.Warn("Failed to encode event", "event", ev.Name(), "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// connector returns the bring-up and tear-down sequences for d.
func connector(d *driver.Driver, cfg *Config) (connect, disconnect func(context.Context) error) {
	connect = func(ctx context.Context) error {
		// after a fault or a reset nothing about the chip is known
		if st := d.Stage(); st == session.Degraded || st == session.PoweredOff {
			if err := d.Init(ctx); err != nil {
				return err
			}
		}
		if err := d.PowerOn(ctx); err != nil {
			return err
		}
		if err := d.WaitSimReady(ctx, cfg.Timeouts.SimReady); err != nil {
			return err
		}
		if err := d.Register(ctx, cfg.Timeouts.Register); err != nil {
			return err
		}
		if cfg.APN == "" {
			return nil
		}
		return d.ActivateBearer(ctx, cfg.APN, cfg.Timeouts.Bearer)
	}
	disconnect = func(ctx context.Context) error {
		if err := d.DeactivateBearer(ctx); err != nil {
			return err
		}
		return d.PowerOff(ctx)
	}
	return connect, disconnect
}
