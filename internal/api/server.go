package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"FlowWarden/internal/binding"
	"FlowWarden/internal/decision"
	"FlowWarden/internal/flowtable"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/model"
	"FlowWarden/internal/sink"
)

const writeWait = 5 * time.Second

// FlowReader is the read side of the flow table.
type FlowReader interface {
	Get(id uuid.UUID) (model.Flow, bool)
	Snapshot(pred func(model.Flow) bool) []model.Flow
}

// VerdictResolver answers deferred flows.
type VerdictResolver interface {
	ResolveDeferred(id uuid.UUID, allow bool) error
}

// BindingReader looks up address bindings.
type BindingReader interface {
	Record(addr netip.Addr) (binding.Record, bool)
}

// Options wires the API server.
type Options struct {
	Flows         FlowReader
	Verdicts      VerdictResolver
	Bindings      BindingReader
	History       sink.Querier
	Hub           *Hub
	Metrics       http.Handler
	MetricsPath   string
	DefaultLimit  int
	AllowedOrigin string
	Logger        logger.Logger
}

// Server is the consumer facing HTTP API.
type Server struct {
	opts     Options
	router   *mux.Router
	upgrader websocket.Upgrader
	log      logger.Logger
}

func NewServer(opts Options) *Server {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	s := &Server{opts: opts, router: mux.NewRouter(), log: opts.Logger}
	s.upgrader.CheckOrigin = s.checkOrigin

	r := s.router
	r.HandleFunc("/api/v1/flows", s.listFlowsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/flows/{id}", s.getFlowHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/flows/{id}/verdict", s.verdictHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/bindings/{address}", s.bindingHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/history", s.historyHandler).Methods(http.MethodGet)
	if opts.Hub != nil {
		r.HandleFunc("/api/v1/events", s.eventsHandler).Methods(http.MethodGet)
	}
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, opts.Metrics).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// listFlowsHandler returns flows newest first. view selects deferred,
// decided or all flows.
func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	pred, err := flowtable.View(query.Get("view"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := s.limit(query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flows := flowtable.Newest(s.opts.Flows.Snapshot(pred), limit)
	writeJSON(w, http.StatusOK, flows)
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid flow id: %v", err), http.StatusBadRequest)
		return
	}
	f, ok := s.opts.Flows.Get(id)
	if !ok {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type verdictRequest struct {
	Allow *bool `json:"allow"`
}

func (s *Server) verdictHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid flow id: %v", err), http.StatusBadRequest)
		return
	}
	var req verdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Allow == nil {
		http.Error(w, "missing allow field", http.StatusBadRequest)
		return
	}

	if err := s.opts.Verdicts.ResolveDeferred(id, *req.Allow); err != nil {
		if errors.Is(err, decision.ErrUnknownFlow) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("failed to resolve flow: %v", err), http.StatusInternalServerError)
		return
	}
	s.log.WithFields(map[string]any{"flow": id.String(), "allow": *req.Allow}).Infof("deferred flow resolved")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "allow": *req.Allow})
}

type bindingResponse struct {
	Address  netip.Addr `json:"address"`
	Hostname string     `json:"hostname"`
	Source   string     `json:"source"`
}

func (s *Server) bindingHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(mux.Vars(r)["address"])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
		return
	}
	rec, ok := s.opts.Bindings.Record(addr)
	if !ok {
		http.Error(w, "no binding for address", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, bindingResponse{Address: addr.Unmap(), Hostname: rec.Name, Source: rec.Type.String()})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.Error(w, "flow history is not configured", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	limit, err := s.limit(query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hq := sink.HistoryQuery{
		Hostname: query.Get("hostname"),
		Decision: query.Get("decision"),
		Limit:    limit,
	}
	if hq.Since, err = parseTime(query.Get("since")); err != nil {
		http.Error(w, fmt.Sprintf("invalid since: %v", err), http.StatusBadRequest)
		return
	}
	if hq.Until, err = parseTime(query.Get("until")); err != nil {
		http.Error(w, fmt.Sprintf("invalid until: %v", err), http.StatusBadRequest)
		return
	}

	flows, err := s.opts.History.History(r.Context(), hq)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query flows: %v", err), http.StatusInternalServerError)
		return
	}
	if flows == nil {
		flows = []model.Flow{}
	}
	writeJSON(w, http.StatusOK, flows)
}

// eventsHandler streams bus events to a websocket client until it goes away.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	ch := s.opts.Hub.register()
	defer s.opts.Hub.unregister(ch)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data := <-ch:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debugf("event stream to %s closed: %v", r.RemoteAddr, err)
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	switch {
	case origin == "" || s.opts.AllowedOrigin == "*":
		return true
	case s.opts.AllowedOrigin != "":
		return origin == s.opts.AllowedOrigin
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func (s *Server) limit(query url.Values) (int, error) {
	raw := query.Get("limit")
	if raw == "" {
		return s.opts.DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
