package api

import (
	"net/http"

	"github.com/ioerror/vula/pkg/api"
)

// healthHandler reports the daemon identity and component health. It
// answers 503 only when the state is unusable.
func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org := s.deps.Organizer
		st := org.Snapshot()

		resp := api.HealthResponse{
			Status:     "healthy",
			Version:    s.version,
			ID:         org.Keys().ID(),
			Hostname:   org.Hostname(),
			Peers:      len(st.Peers),
			Components: map[string]api.ComponentHealth{},
		}

		state := api.ComponentHealth{Status: "healthy"}
		if err := st.Validate(); err != nil {
			state = api.ComponentHealth{Status: "unhealthy", Message: err.Error()}
			resp.Status = "unhealthy"
		}
		resp.Components["state"] = state

		if s.deps.Archive != nil {
			c := api.ComponentHealth{Status: "healthy"}
			if err := s.deps.Archive.Ping(r.Context()); err != nil {
				c = api.ComponentHealth{Status: "unhealthy", Message: err.Error()}
				degrade(&resp)
			}
			resp.Components["eventlog"] = c
		}
		if s.deps.Bus != nil {
			h := s.deps.Bus.Health()
			resp.Components["events"] = api.ComponentHealth{Status: h.Status, Message: h.Message}
			if h.Status != "healthy" {
				degrade(&resp)
			}
		}

		status := http.StatusOK
		if resp.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		_ = WriteJSON(w, status, api.Response[api.HealthResponse]{Success: status == http.StatusOK, Data: resp})
	}
}

func degrade(resp *api.HealthResponse) {
	if resp.Status == "healthy" {
		resp.Status = "degraded"
	}
}
