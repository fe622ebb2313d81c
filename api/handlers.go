package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/newrey/llm-gateway/config"
	"github.com/newrey/llm-gateway/internal/governor"
	"github.com/newrey/llm-gateway/internal/interactionlog"
	"github.com/newrey/llm-gateway/internal/registry"
)

// Handler serves the gateway's admin and discovery endpoints.
type Handler struct {
	registry       *registry.Registry
	governor       *governor.Governor
	configPath     string
	interactionLog string
	staticDir      string
	httpClient     *http.Client
	log            *zap.Logger
}

// New builds a Handler.
func New(reg *registry.Registry, gov *governor.Governor, configPath, interactionLogPath, staticDir string, httpClient *http.Client, log *zap.Logger) *Handler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Handler{
		registry:       reg,
		governor:       gov,
		configPath:     configPath,
		interactionLog: interactionLogPath,
		staticDir:      staticDir,
		httpClient:     httpClient,
		log:            log,
	}
}

// RegisterRoutes registers every admin/discovery route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/models", h.handleModels)
	mux.HandleFunc("/api_usage", h.handleUsage)
	mux.HandleFunc("/api/config", h.handleConfig)
	mux.HandleFunc("/api/error_logs", h.handleErrorLogs)
	mux.HandleFunc("/api/health_check", h.handleHealthCheck)
	mux.HandleFunc("/api/reset_rate_limits", h.handleResetRateLimits)
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/admin", h.handleAdmin)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(h.staticDir))))
}

// modelListEntry is one entry in GET|POST /v1/models's data array.
type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}

	now := time.Now().Unix()
	data := []modelListEntry{{ID: "auto", Object: "model", Created: now, OwnedBy: "gateway"}}
	for _, name := range h.registry.ModelNames() {
		data = append(data, modelListEntry{ID: name, Object: "model", Created: now, OwnedBy: "gateway"})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	snap := h.governor.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":      snap.Providers,
		"timestamp": snap.Timestamp.Format(time.RFC3339),
	})
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, h.registry.Snapshot())
	case http.MethodPost:
		h.updateConfig(w, r)
	default:
		h.methodNotAllowed(w, r)
	}
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var doc registry.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}

	// Provider endpoints are left untouched by this admin surface unless
	// the caller supplies a new api_provider table; preserve the existing
	// one when the body only carries model_config.
	if len(doc.APIProvider) == 0 {
		doc.APIProvider = h.registry.Snapshot().APIProvider
	}

	h.registry.Replace(doc)

	if err := config.PersistDocument(h.configPath, doc); err != nil {
		if h.log != nil {
			h.log.Error("persist config failed", zap.Error(err))
		}
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist configuration: " + err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

func (h *Handler) handleErrorLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	windows, err := interactionlog.ErrorWindows(h.interactionLog, 10)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"error_logs": windows})
}

type healthCheckRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type healthCheckResponse struct {
	Status       string `json:"status"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	ResponseTime int64  `json:"response_time"`
	Error        string `json:"error,omitempty"`
}

func (h *Handler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}

	var req healthCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}

	provider, ok := h.registry.Provider(req.Provider)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, healthCheckResponse{Status: "unhealthy", Provider: req.Provider, Model: req.Model, Error: "unknown provider"})
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"model":      req.Model,
		"max_tokens": 5,
		"messages":   []map[string]string{{"role": "user", "content": "Hello"}},
	})

	start := time.Now()
	resp, err := h.sendHealthProbe(provider, payload)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		h.writeJSON(w, http.StatusOK, healthCheckResponse{
			Status: "unhealthy", Provider: req.Provider, Model: req.Model,
			ResponseTime: elapsed, Error: err.Error(),
		})
		return
	}
	defer resp.Body.Close()

	status := "healthy"
	var errMsg string
	if resp.StatusCode >= 400 {
		status = "unhealthy"
		errMsg = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}

	h.writeJSON(w, http.StatusOK, healthCheckResponse{
		Status: status, Provider: req.Provider, Model: req.Model,
		ResponseTime: elapsed, Error: errMsg,
	})
}

func (h *Handler) sendHealthProbe(provider registry.Provider, payload []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/chat/completions", trimSuffixSlash(provider.BaseURL))
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
	return h.httpClient.Do(req)
}

func (h *Handler) handleResetRateLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	h.governor.ResetAll()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/admin", http.StatusFound)
}

func (h *Handler) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	path := filepath.Join(h.staticDir, "admin.html")
	data, err := os.ReadFile(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": fmt.Sprintf("method %s not allowed", r.Method)})
}

func trimSuffixSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
