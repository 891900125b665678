package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"pve-pulse/internal/broadcast"
	"pve-pulse/internal/model"
)

// SnapshotSource is the read side of the cluster cache.
type SnapshotSource interface {
	Snapshot() model.Snapshot
}

// HealthFunc reports the process health document and whether it is serving
// usable data.
type HealthFunc func() (report any, healthy bool)

type Handler struct {
	logger  *slog.Logger
	source  SnapshotSource
	coord   *broadcast.Coordinator
	health  HealthFunc
	version string
}

func NewHandler(logger *slog.Logger, source SnapshotSource, coord *broadcast.Coordinator, health HealthFunc, version string) *Handler {
	return &Handler{logger: logger, source: source, coord: coord, health: health, version: version}
}

type nodesResponse struct {
	Data    []model.NodeSnapshot `json:"data"`
	Version uint64               `json:"version"`
}

// Nodes serves the current snapshot in the subscriber payload shape plus its version.
func (h *Handler) Nodes(w http.ResponseWriter, r *http.Request) {
	snap := h.source.Snapshot()
	payload := model.NewPayload(snap)
	h.writeJSON(w, http.StatusOK, nodesResponse{Data: payload.Data, Version: snap.Version})
}

// Node serves one node by name.
func (h *Handler) Node(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, n := range h.source.Snapshot().Nodes {
		if n.Name == name {
			h.writeJSON(w, http.StatusOK, n)
			return
		}
	}
	h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
}

func (h *Handler) Subscribers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"data": h.coord.Subscribers()})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report, ok := h.health()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response failed", "error", err)
	}
}

// NewRouter wires the websocket endpoint at "/" and "/ws" alongside the REST,
// health and metrics endpoints.
func NewRouter(h *Handler, ws http.Handler, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", ws).Methods(http.MethodGet)
	r.Handle("/ws", ws).Methods(http.MethodGet)
	r.HandleFunc("/api/nodes", h.Nodes).Methods(http.MethodGet)
	r.HandleFunc("/api/nodes/{name}", h.Node).Methods(http.MethodGet)
	r.HandleFunc("/api/subscribers", h.Subscribers).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/version", h.Version).Methods(http.MethodGet)
	r.Handle("/metrics", metrics).Methods(http.MethodGet)
	return r
}
