package api

import (
	"net/http"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/pkg/api"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

func (s *Server) getPrefsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = WriteSuccess(w, s.deps.Organizer.Prefs())
	}
}

func (s *Server) editPrefHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.PrefRequest
		if err := decodeBody(r, &req); err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		op := engine.OpSet
		if req.Op != "" {
			var err error
			if op, err = engine.ParseOp(req.Op); err != nil {
				WriteErrorResponse(w, r, err)
				return
			}
		}

		org, name := s.deps.Organizer, r.PathValue("name")
		switch op {
		case engine.OpAdd:
			WriteResult(w, r, org.AddPref(r.Context(), name, req.Value))
		case engine.OpRemove:
			WriteResult(w, r, org.RemovePref(r.Context(), name, req.Value))
		default:
			WriteResult(w, r, org.SetPref(r.Context(), name, req.Value))
		}
	}
}

func (s *Server) editHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.EditRequest
		if err := decodeBody(r, &req); err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		op, err := engine.ParseOp(req.Op)
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		if len(req.Path) == 0 {
			WriteErrorResponse(w, r, vulaerrors.NewDomainAPIError(vulaerrors.ErrCodeValidation, "path is required", false, nil))
			return
		}
		WriteResult(w, r, s.deps.Organizer.UserEdit(r.Context(), op, req.Path, req.Value))
	}
}

func (s *Server) stateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = WriteSuccess(w, s.deps.Organizer.Snapshot())
	}
}

func (s *Server) releaseGatewayHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteResult(w, r, s.deps.Organizer.ReleaseGateway(r.Context()))
	}
}

func (s *Server) syncHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op := GetLogger(r.Context()).StartOp(r.Context(), "sync")
		if err := s.deps.Organizer.Sync(r.Context()); err != nil {
			op.Fail(err, "sync failed")
			WriteErrorResponse(w, r, err)
			return
		}
		n := len(s.deps.Organizer.Snapshot().Peers.Limit(true))
		op.Complete("sync complete", "peers", n)
		_ = WriteSuccess(w, api.SyncResponse{Message: "synced", Peers: n})
	}
}

func (s *Server) desiredHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Desired == nil {
			WriteErrorResponse(w, r, vulaerrors.NewSystemError(vulaerrors.ErrCodeConfiguration, "no system layer attached", false, nil))
			return
		}
		_ = WriteSuccess(w, s.deps.Desired())
	}
}
