package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/catalog"
	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/logger"
	"github.com/htrap1211/Legion/internal/monitoring"
	"github.com/htrap1211/Legion/internal/node"
	"github.com/htrap1211/Legion/internal/protocol"
	"github.com/htrap1211/Legion/internal/transfer"
)

// Handler is the HTTP control surface over one peer.
type Handler struct {
	node   *node.Node
	logger *logrus.Entry
}

// NewHTTPHandler creates the router with all routes configured.
func NewHTTPHandler(n *node.Node, metrics *monitoring.Metrics, cfg config.MonitoringConfig) http.Handler {
	handler := &Handler{
		node:   n,
		logger: logger.NewForComponent("http-api"),
	}

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handler.getHealth)
		r.Get("/peers", handler.getPeers)
		r.Get("/leader", handler.getLeader)

		r.Route("/files", func(r chi.Router) {
			r.Get("/", handler.getLocalFiles)
			r.Get("/catalog", handler.getCatalog)
			r.Get("/search", handler.searchFiles)
			r.Post("/announce", handler.announceFiles)
			r.Post("/share", handler.shareFile)
			r.Post("/download", handler.downloadFile)
		})
	})

	if cfg.Enabled && metrics != nil {
		r.Handle(cfg.MetricsPath, metrics.Handler())
	}

	return r
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	leaderID, haveLeader := h.node.CurrentLeader()
	response := map[string]interface{}{
		"status":      "healthy",
		"node_id":     h.node.ID(),
		"role":        h.node.Role(),
		"epoch":       h.node.Epoch(),
		"is_leader":   h.node.IsLeader(),
		"leader_id":   leaderID,
		"have_leader": haveLeader,
		"peers":       len(h.node.KnownPeers()),
		"timestamp":   time.Now().UTC(),
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) getPeers(w http.ResponseWriter, r *http.Request) {
	peers := h.node.KnownPeers()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"total": len(peers),
	})
}

func (h *Handler) getLeader(w http.ResponseWriter, r *http.Request) {
	leaderID, ok := h.node.CurrentLeader()
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, "No leader known")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"leader_id": leaderID,
		"is_self":   h.node.IsLeader(),
	})
}

func (h *Handler) getLocalFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.node.LocalFiles()
	if err != nil {
		h.logger.WithError(err).Error("Failed to list local files")
		h.writeError(w, http.StatusInternalServerError, "Failed to list local files")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"total": len(files),
	})
}

func (h *Handler) getCatalog(w http.ResponseWriter, r *http.Request) {
	records := h.node.Catalog()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records":       records,
		"total":         len(records),
		"authoritative": h.node.IsLeader(),
	})
}

func (h *Handler) searchFiles(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "Query parameter 'name' is required")
		return
	}

	records, err := h.node.Lookup(name)
	if err != nil {
		if errors.Is(err, catalog.ErrNoLeader) {
			h.writeError(w, http.StatusServiceUnavailable, "No leader known, retry later")
			return
		}
		h.logger.WithError(err).WithField("name", name).Error("Lookup failed")
		h.writeError(w, http.StatusBadGateway, "Lookup failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    name,
		"records": records,
		"total":   len(records),
	})
}

func (h *Handler) announceFiles(w http.ResponseWriter, r *http.Request) {
	if err := h.node.AnnounceFiles(); err != nil {
		if errors.Is(err, catalog.ErrNoLeader) {
			h.writeError(w, http.StatusServiceUnavailable, "No leader known, retry later")
			return
		}
		h.logger.WithError(err).Error("Announce failed")
		h.writeError(w, http.StatusInternalServerError, "Announce failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) shareFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		h.writeError(w, http.StatusBadRequest, "Field 'path' is required")
		return
	}

	if err := h.node.ShareFile(req.Path); err != nil {
		if errors.Is(err, catalog.ErrNoLeader) {
			// File copied into the share; it announces once a leader exists.
			h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"success": true,
				"message": "File shared, announcement deferred until a leader is known",
			})
			return
		}
		h.logger.WithError(err).WithField("path", req.Path).Error("Share failed")
		h.writeError(w, http.StatusInternalServerError, "Share failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) downloadFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Owner string `json:"owner,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "Field 'name' is required")
		return
	}

	path, err := h.node.Download(r.Context(), req.Name, protocol.PeerID(req.Owner))
	if err != nil {
		var integrity *transfer.IntegrityError
		switch {
		case errors.Is(err, catalog.ErrNoLeader):
			h.writeError(w, http.StatusServiceUnavailable, "No leader known, retry later")
		case errors.Is(err, transfer.ErrNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &integrity):
			h.writeError(w, http.StatusBadGateway, err.Error())
		default:
			h.logger.WithError(err).WithField("name", req.Name).Error("Download failed")
			h.writeError(w, http.StatusBadGateway, "Download failed")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"path":    path,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
