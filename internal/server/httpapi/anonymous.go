package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/organizations"
)

type bootstrapRequest struct {
	BootstrapToken                string `json:"bootstrap_token"`
	RootVerifyKey                 []byte `json:"root_verify_key"`
	UserCertificate               []byte `json:"user_certificate"`
	RedactedUserCertificate       []byte `json:"redacted_user_certificate"`
	DeviceCertificate             []byte `json:"device_certificate"`
	RedactedDeviceCertificate     []byte `json:"redacted_device_certificate"`
	SequesterAuthorityCertificate []byte `json:"sequester_authority_certificate"`
}

// anonymousBootstrap performs the one-shot first-user enrollment. The
// bootstrap token is the only credential; everything else is certificates.
func (s *Server) anonymousBootstrap(w http.ResponseWriter, r *http.Request) {
	org := protocol.OrganizationID(r.PathValue("organization"))
	var req bootstrapRequest
	if !readJSON(w, r, &req) {
		return
	}
	err := s.organizations.Bootstrap(r.Context(), organizations.BootstrapParams{
		ID:                            org,
		BootstrapToken:                req.BootstrapToken,
		RootVerifyKey:                 req.RootVerifyKey,
		UserCertificate:               req.UserCertificate,
		RedactedUserCertificate:       req.RedactedUserCertificate,
		DeviceCertificate:             req.DeviceCertificate,
		RedactedDeviceCertificate:     req.RedactedDeviceCertificate,
		SequesterAuthorityCertificate: req.SequesterAuthorityCertificate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type invitationInfoResponse struct {
	Type               string `json:"type"`
	Status             string `json:"status"`
	ClaimerEmail       string `json:"claimer_email,omitempty"`
	CreatedBy          string `json:"created_by"`
	ShamirRecoveryUser string `json:"shamir_recovery_user,omitempty"`
}

// anonymousInvitationInfo lets a claimer inspect the invitation behind its
// token before starting the exchange.
func (s *Server) anonymousInvitationInfo(w http.ResponseWriter, r *http.Request) {
	org := protocol.OrganizationID(r.PathValue("organization"))
	token, err := uuid.Parse(r.PathValue("token"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid invitation token"})
		return
	}
	inv, err := s.invites.Info(r.Context(), org, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invitationInfoResponse{
		Type:               string(inv.Type),
		Status:             string(inv.Status),
		ClaimerEmail:       inv.ClaimerEmail,
		CreatedBy:          string(inv.CreatedBy),
		ShamirRecoveryUser: string(inv.ShamirRecoveryUser),
	})
}

type shamirRevealRequest struct {
	RevealToken string `json:"reveal_token"`
}

type shamirRevealResponse struct {
	CipheredData []byte `json:"ciphered_data"`
}

// anonymousShamirReveal hands the ciphered recovery payload to the holder of
// the reveal token.
func (s *Server) anonymousShamirReveal(w http.ResponseWriter, r *http.Request) {
	org := protocol.OrganizationID(r.PathValue("organization"))
	var req shamirRevealRequest
	if !readJSON(w, r, &req) {
		return
	}
	token, err := uuid.Parse(req.RevealToken)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid reveal token"})
		return
	}
	data, err := s.shamir.Reveal(r.Context(), org, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shamirRevealResponse{CipheredData: data})
}
