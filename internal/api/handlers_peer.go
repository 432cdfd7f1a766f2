package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ioerror/vula/pkg/api"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return vulaerrors.NewDomainAPIError(vulaerrors.ErrCodeValidation, "invalid request body", false, err)
	}
	return nil
}

func (s *Server) listPeersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org := s.deps.Organizer
		ids, err := org.PeerIDs(r.URL.Query().Get("which"))
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		peers := org.Snapshot().Peers
		resp := api.PeersListResponse{Peers: make([]api.PeerInfo, 0, len(ids))}
		for _, id := range ids {
			if p, ok := peers[id]; ok {
				resp.Peers = append(resp.Peers, toPeerInfo(p))
			}
		}
		resp.TotalCount = len(resp.Peers)
		_ = WriteSuccess(w, resp)
	}
}

func (s *Server) getPeerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.PathValue("query")
		p, err := s.deps.Organizer.Peer(query)
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		show, err := s.deps.Organizer.ShowPeer(p.ID())
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		_ = WriteSuccess(w, api.PeerDetailResponse{Peer: toPeerInfo(p), Show: show})
	}
}

func (s *Server) peerDescriptorHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.deps.Organizer.Peer(r.PathValue("query"))
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		d, err := s.deps.Organizer.PeerDescriptor(p.ID())
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		_ = WriteSuccess(w, api.DescriptorResponse{ID: p.ID(), Descriptor: d})
	}
}

func (s *Server) nameHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.deps.Organizer.GetVKByName(r.PathValue("hostname"))
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		d, err := s.deps.Organizer.PeerDescriptor(id)
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		_ = WriteSuccess(w, api.DescriptorResponse{ID: id, Descriptor: d})
	}
}

func (s *Server) removePeerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteResult(w, r, s.deps.Organizer.RemovePeer(r.Context(), r.PathValue("query")))
	}
}

func (s *Server) editPeerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.PeerEditRequest
		if err := decodeBody(r, &req); err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		if len(req.Path) == 0 {
			WriteErrorResponse(w, r, vulaerrors.NewDomainAPIError(vulaerrors.ErrCodeValidation, "path is required", false, nil))
			return
		}
		WriteResult(w, r, s.deps.Organizer.SetPeer(r.Context(), r.PathValue("id"), req.Path, req.Value))
	}
}

func (s *Server) addPeerAddrHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.PeerAddrRequest
		if err := decodeBody(r, &req); err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		res, err := s.deps.Organizer.PeerAddrAdd(r.Context(), r.PathValue("id"), req.IP)
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		WriteResult(w, r, res)
	}
}

func (s *Server) delPeerAddrHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.deps.Organizer.PeerAddrDel(r.Context(), r.PathValue("id"), r.PathValue("ip"))
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		WriteResult(w, r, res)
	}
}

func (s *Server) verifyPeerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.VerifyRequest
		if err := decodeBody(r, &req); err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		WriteResult(w, r, s.deps.Organizer.VerifyAndPinPeer(r.Context(), r.PathValue("id"), req.Hostname))
	}
}

func (s *Server) processDescriptorHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.DescriptorRequest
		if err := decodeBody(r, &req); err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		res, err := s.deps.Organizer.ProcessDescriptorString(r.Context(), strings.TrimSpace(req.Descriptor))
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		WriteResult(w, r, res)
	}
}

func (s *Server) ourDescriptorsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = WriteSuccess(w, api.OurDescriptorsResponse{Descriptors: s.deps.Organizer.OurLatestDescriptors()})
	}
}
