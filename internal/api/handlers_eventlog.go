package api

import (
	"net/http"
	"strconv"

	"github.com/gookit/goutil"

	"github.com/ioerror/vula/internal/eventlog"
	"github.com/ioerror/vula/pkg/api"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

func parseEventLogParams(r *http.Request) (api.EventLogParams, error) {
	q := r.URL.Query()
	p := api.EventLogParams{Event: q.Get("event")}
	if v := q.Get("errors_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, vulaerrors.NewDomainAPIError(vulaerrors.ErrCodeValidation, "errors_only must be a boolean", false, err)
		}
		p.ErrorsOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := goutil.ToInt(v)
		if err != nil || n < 0 {
			return p, vulaerrors.NewDomainAPIError(vulaerrors.ErrCodeValidation, "limit must be a non-negative integer", false, err)
		}
		p.Limit = n
	}
	return p, nil
}

// eventLogHandler serves the archive when one is configured and the
// in-state event log otherwise.
func (s *Server) eventLogHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := parseEventLogParams(r)
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}

		if s.deps.Archive == nil {
			_ = WriteSuccess(w, s.stateEventLog(params))
			return
		}

		entries, err := s.deps.Archive.List(r.Context(), eventlog.ListOptions{
			Event:      params.Event,
			ErrorsOnly: params.ErrorsOnly,
			Limit:      params.Limit,
		})
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		total, err := s.deps.Archive.Count(r.Context())
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		resp := api.EventLogResponse{Entries: make([]api.EventLogEntry, 0, len(entries)), Total: total}
		for _, e := range entries {
			resp.Entries = append(resp.Entries, toEventLogEntry(e))
		}
		_ = WriteSuccess(w, resp)
	}
}

func (s *Server) stateEventLog(p api.EventLogParams) api.EventLogResponse {
	log := s.deps.Organizer.EventLog()
	resp := api.EventLogResponse{Entries: []api.EventLogEntry{}, Total: int64(len(log))}
	for i := range log {
		r := &log[i]
		if p.Event != "" && r.Event.Name != p.Event {
			continue
		}
		if p.ErrorsOnly && r.OK() {
			continue
		}
		resp.Entries = append(resp.Entries, api.EventLogEntry{Seq: int64(i + 1), RecordedAt: r.Time, Result: toResultInfo(r)})
	}
	if p.Limit > 0 && len(resp.Entries) > p.Limit {
		resp.Entries = resp.Entries[len(resp.Entries)-p.Limit:]
	}
	return resp
}

func (s *Server) eventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if s.deps.Archive != nil {
			res, err := s.deps.Archive.Get(r.Context(), id)
			if err != nil {
				WriteErrorResponse(w, r, err)
				return
			}
			_ = WriteSuccess(w, res)
			return
		}
		for _, res := range s.deps.Organizer.EventLog() {
			if res.ID == id {
				_ = WriteSuccess(w, res)
				return
			}
		}
		WriteErrorResponse(w, r, vulaerrors.NewStorageError(vulaerrors.ErrCodeNotFound, "no recorded result "+id, false, nil).
			WithMetadata("result_id", id))
	}
}
