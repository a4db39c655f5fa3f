package multimcp

import (
	"encoding/json"
	"net/http"
	"time"
)

// backendStatus is one backend's row in the /api/status response.
type backendStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

type statusResponse struct {
	Name     string          `json:"name"`
	Version  string          `json:"version"`
	Backends []backendStatus `json:"backends"`
	Pending  []pendingStatus `json:"pending_calls"`
}

type pendingStatus struct {
	ID       string    `json:"id"`
	Exposed  string    `json:"exposed"`
	Backend  string    `json:"backend"`
	Deadline time.Time `json:"deadline"`
}

// apiHandler serves the read-only operator API in SSE mode: the effective
// configuration and live per-backend connection state.
func (p *Proxy) apiHandler() http.Handler {
	mux := http.NewServeMux()

	corsHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			h(w, r)
		}
	}

	mux.HandleFunc("/api/config", corsHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.cfg); err != nil {
			p.logger.Error("failed to encode config", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}))

	mux.HandleFunc("/api/status", corsHandler(func(w http.ResponseWriter, r *http.Request) {
		status := statusResponse{
			Name:    p.cfg.Proxy.Name,
			Version: p.cfg.Proxy.Version,
		}

		for _, spec := range p.cfg.Backends {
			b := p.backends[spec.Name]
			row := backendStatus{
				Name:      spec.Name,
				Transport: "stdio",
				State:     b.State().String(),
			}
			if spec.Remote() {
				row.Transport = "sse"
			}
			if err := b.LastError(); err != nil {
				row.LastError = err.Error()
			}
			status.Backends = append(status.Backends, row)
		}

		for _, pc := range p.router.Pending() {
			status.Pending = append(status.Pending, pendingStatus{
				ID:       pc.ID,
				Exposed:  pc.Exposed,
				Backend:  pc.Backend,
				Deadline: pc.Deadline,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			p.logger.Error("failed to encode status", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}))

	return mux
}
