package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/server/authn"
)

type realmCreateRequest struct {
	RealmRoleCertificate []byte `json:"realm_role_certificate"`
}

// realmCreate inserts a realm from its initial OWNER role certificate.
func (s *Server) realmCreate(w http.ResponseWriter, r *http.Request, auth *authn.Auth) {
	var req realmCreateRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.realms.Create(r.Context(), auth.Organization.ID, auth.Device.DeviceID, req.RealmRoleCertificate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type vlobPollChangesRequest struct {
	RealmID        string `json:"realm_id"`
	LastCheckpoint uint64 `json:"last_checkpoint"`
}

type vlobChangeEntry struct {
	VlobID  string `json:"vlob_id"`
	Version uint64 `json:"version"`
}

type vlobPollChangesResponse struct {
	CurrentCheckpoint uint64            `json:"current_checkpoint"`
	Changes           []vlobChangeEntry `json:"changes"`
}

// vlobPollChanges reports the vlobs changed strictly after the client's
// checkpoint, plus the checkpoint to resume from.
func (s *Server) vlobPollChanges(w http.ResponseWriter, r *http.Request, auth *authn.Auth) {
	var req vlobPollChangesRequest
	if !readJSON(w, r, &req) {
		return
	}
	realm, err := uuid.Parse(req.RealmID)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid realm id"})
		return
	}
	checkpoint, changes, err := s.vlobs.PollChanges(r.Context(), auth.Organization.ID, auth.Device.DeviceID, realm, req.LastCheckpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := vlobPollChangesResponse{
		CurrentCheckpoint: checkpoint,
		Changes:           make([]vlobChangeEntry, 0, len(changes)),
	}
	for _, c := range changes {
		resp.Changes = append(resp.Changes, vlobChangeEntry{VlobID: c.VlobID.String(), Version: c.Version})
	}
	writeJSON(w, http.StatusOK, resp)
}

type blockCreateRequest struct {
	BlockID  string `json:"block_id"`
	RealmID  string `json:"realm_id"`
	KeyIndex uint64 `json:"key_index"`
	Block    []byte `json:"block"`
}

// blockCreate stores an opaque payload under a realm key index.
func (s *Server) blockCreate(w http.ResponseWriter, r *http.Request, auth *authn.Auth) {
	var req blockCreateRequest
	if !readJSON(w, r, &req) {
		return
	}
	block, err := uuid.Parse(req.BlockID)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid block id"})
		return
	}
	realm, err := uuid.Parse(req.RealmID)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid realm id"})
		return
	}
	if err := s.blocks.Create(r.Context(), auth.Organization.ID, auth.Device.DeviceID, block, realm, req.KeyIndex, req.Block); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type blockReadResponse struct {
	Block    []byte `json:"block"`
	KeyIndex uint64 `json:"key_index"`
}

// blockRead returns the payload and the key index it was written under.
func (s *Server) blockRead(w http.ResponseWriter, r *http.Request, auth *authn.Auth) {
	block, err := uuid.Parse(r.PathValue("block"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid block id"})
		return
	}
	res, err := s.blocks.Read(r.Context(), auth.Organization.ID, auth.Device.DeviceID, block)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blockReadResponse{Block: res.Data, KeyIndex: res.KeyIndex})
}
