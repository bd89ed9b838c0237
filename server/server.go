// Package server is the transport layer: it owns the live engine value,
// serializes all access to it, drives the tick loop, and fans state and
// events out to WebSocket observers.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"raildispatch/backend/driver"
	"raildispatch/backend/model"
	"raildispatch/backend/opt"
	"raildispatch/backend/sim"
)

// Time allowed to write a message to a peer before it is evicted.
const writeWait = 1 * time.Second

var upgrader = websocket.Upgrader{
	// Broad CORS for local demos, same stance as the REST handlers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server owns the live engine and the observer set.
type Server struct {
	cfg     Config
	metrics *Metrics

	mu     sync.Mutex // serializes every engine call; the engine is not thread-safe
	engine *sim.Engine

	peersMu sync.Mutex
	peers   map[*websocket.Conn]struct{}

	loopMu   sync.Mutex
	loopStop chan struct{}
	loopDone chan struct{}
}

// New wraps an engine (already constructed, not yet reset) in a transport.
func New(engine *sim.Engine, cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		metrics: NewMetrics(),
		engine:  engine,
		peers:   map[*websocket.Conn]struct{}{},
	}
}

// Routes registers all handlers on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/control", s.handleControl)
	mux.HandleFunc("/inject/delay", s.handleInjectDelay)
	mux.HandleFunc("/inject/block-issue", s.handleInjectBlockIssue)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/restart", s.handleRestart)
	mux.HandleFunc("/export_plan_input", s.handleExportPlanInput)
	mux.HandleFunc("/optimize_plan", s.handleOptimizePlan)
	mux.HandleFunc("/apply_plan", s.handleApplyPlan)
	mux.HandleFunc("/rerun-optimized", s.handleRerunOptimized)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// ListenAndServe resets the engine into IDLE, starts the heartbeat and blocks
// serving HTTP.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	err := s.engine.Reset()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	go s.heartbeatLoop()
	logrus.WithField("addr", s.cfg.Addr).Info("server listening")
	return http.ListenAndServe(s.cfg.Addr, s.Routes())
}

// ---------- broadcast fan-out ----------

func (s *Server) addPeer(c *websocket.Conn) {
	s.peersMu.Lock()
	s.peers[c] = struct{}{}
	n := len(s.peers)
	s.peersMu.Unlock()
	s.metrics.ConnectedPeers.Set(float64(n))
}

func (s *Server) removePeer(c *websocket.Conn) {
	s.peersMu.Lock()
	if _, ok := s.peers[c]; ok {
		delete(s.peers, c)
		c.Close()
	}
	n := len(s.peers)
	s.peersMu.Unlock()
	s.metrics.ConnectedPeers.Set(float64(n))
}

// broadcast sends one message to every peer, evicting peers whose write
// fails. Best-effort delivery only.
func (s *Server) broadcast(payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).Warn("broadcast marshal failed")
		return
	}
	s.peersMu.Lock()
	targets := make([]*websocket.Conn, 0, len(s.peers))
	for c := range s.peers {
		targets = append(targets, c)
	}
	s.peersMu.Unlock()
	if len(targets) == 0 {
		return
	}
	s.metrics.BroadcastsTotal.Inc()

	var failed []*websocket.Conn
	for _, c := range targets {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		s.metrics.EvictionsTotal.Inc()
		logrus.WithField("remote", c.RemoteAddr().String()).Warn("evicting peer after failed write")
		s.removePeer(c)
	}
}

func (s *Server) heartbeatLoop() {
	period := time.Duration(s.cfg.HeartbeatSec * float64(time.Second))
	if period <= 0 {
		period = 15 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for range ticker.C {
		s.broadcast(map[string]any{"type": "heartbeat", "ts": model.ISOStamp(time.Now())})
	}
}

// ---------- simulation loop ----------

// startLoop spawns the single tick driver if it is not already running.
func (s *Server) startLoop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loopStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.loopStop, s.loopDone = stop, done
	go s.runLoop(stop, done)
}

// stopLoop cancels a running loop and waits for it to exit.
func (s *Server) stopLoop() {
	s.loopMu.Lock()
	stop, done := s.loopStop, s.loopDone
	s.loopStop, s.loopDone = nil, nil
	s.loopMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Server) runLoop(stop, done chan struct{}) {
	defer close(done)
	defer func() {
		s.loopMu.Lock()
		if s.loopDone == done {
			s.loopStop, s.loopDone = nil, nil
		}
		s.loopMu.Unlock()
	}()

	sleep := time.Duration(s.cfg.TickSleepSec * float64(time.Second))
	if sleep <= 0 {
		sleep = 500 * time.Millisecond
	}
	for {
		select {
		case <-stop:
			return
		default:
		}

		s.mu.Lock()
		if s.engine.Completed() {
			final := s.engine.GetStateMessage()
			s.mu.Unlock()
			s.broadcast(final)
			return
		}
		events := s.engine.Step()
		state := s.engine.GetStateMessage()
		s.mu.Unlock()

		s.metrics.TicksTotal.Inc()
		s.broadcast(state)
		for _, ev := range events {
			s.metrics.EventsTotal.Inc()
			s.broadcast(ev)
		}

		select {
		case <-stop:
			return
		case <-time.After(sleep):
		}
	}
}

// ---------- HTTP helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	if qs := r.URL.Query().Get(key); qs != "" {
		if v, err := strconv.ParseInt(qs, 10, 64); err == nil {
			return v
		}
	}
	return def
}

func queryInt(r *http.Request, key string, def int) int {
	return int(queryInt64(r, key, int64(def)))
}

// ---------- handlers ----------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": model.ISOStamp(time.Now()),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	state := s.engine.GetStateMessage()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var payload sim.ControlPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	s.mu.Lock()
	s.engine.UpdateParameters(payload)
	state := s.engine.GetStateMessage()
	s.mu.Unlock()
	s.broadcast(state)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Parameters updated"})
}

func (s *Server) handleInjectDelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrainID      string `json:"train_id"`
		DelayMinutes int    `json:"delay_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.DelayMinutes < 1 || req.DelayMinutes > 60 {
		writeError(w, http.StatusBadRequest, "delay_minutes must be within [1, 60]")
		return
	}
	s.mu.Lock()
	ev, err := s.engine.InjectDelay(req.TrainID, req.DelayMinutes)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.broadcast(ev)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "event": ev})
}

func (s *Server) handleInjectBlockIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlockID string `json:"block_id"`
		Blocked bool   `json:"blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	s.mu.Lock()
	ev, err := s.engine.SetBlockIssue(req.BlockID, req.Blocked)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.broadcast(ev)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "event": ev})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	err := s.engine.Start()
	state := s.engine.GetStateMessage()
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.startLoop()
	s.broadcast(state)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Simulation started (or already running)"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.stopLoop()
	s.mu.Lock()
	err := s.engine.Reset()
	state := s.engine.GetStateMessage()
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.broadcast(state)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Simulation reset to IDLE"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.stopLoop()
	s.mu.Lock()
	err := s.engine.Reset()
	if err == nil {
		err = s.engine.Start()
	}
	state := s.engine.GetStateMessage()
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.startLoop()
	s.broadcast(state)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Simulation restarted"})
}

func (s *Server) handleExportPlanInput(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engine.Completed() {
		writeError(w, http.StatusConflict, "Snapshot is only available after completion")
		return
	}
	snap, err := opt.BuildOptimizerInput(s.engine)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleOptimizePlan(w http.ResponseWriter, r *http.Request) {
	seed := queryInt64(r, "seed", s.cfg.Seed)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engine.Completed() {
		writeError(w, http.StatusConflict, "Optimization is only available after completion")
		return
	}
	snap, err := opt.BuildOptimizerInput(s.engine)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, opt.OptimizeFromSim(snap, seed))
}

func (s *Server) handleApplyPlan(w http.ResponseWriter, r *http.Request) {
	var wire model.WirePlan
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	plan := wire.ToPlan()
	s.mu.Lock()
	err := s.engine.ApplyPlan(plan)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.broadcast(map[string]any{"type": "plan_applied", "holds_applied": len(plan.Holds)})
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "holds_applied": len(plan.Holds)})
}

func (s *Server) handleRerunOptimized(w http.ResponseWriter, r *http.Request) {
	seed := queryInt64(r, "seed", s.cfg.Seed)
	trials := queryInt(r, "trials", s.cfg.DefaultTrials)
	force := r.URL.Query().Get("force") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engine.Completed() && !force {
		writeError(w, http.StatusConflict, "Rerun is only available after completion")
		return
	}
	resp, err := driver.RerunOptimized(s.engine, driver.Options{
		Source: s.engine.Source,
		Roster: s.engine.Roster,
	}, seed, trials)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.ReportPath != "" {
		if _, err := driver.WriteCSVReport(s.cfg.ReportPath, resp); err != nil {
			logrus.WithError(err).Error("report: create failed")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("ws upgrade failed")
		return
	}
	s.addPeer(conn)

	s.mu.Lock()
	initial := s.engine.GetStateMessage()
	s.mu.Unlock()
	b, _ := json.Marshal(initial)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.removePeer(conn)
		return
	}

	// Reader only detects disconnects; clients do not speak to the engine here.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.removePeer(conn)
				return
			}
		}
	}()
}
