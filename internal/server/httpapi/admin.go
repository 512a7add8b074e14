package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/organizations"
	"github.com/dmitrijs2005/parsecd/internal/server/sequester"
)

type createOrganizationRequest struct {
	OrganizationID             string `json:"organization_id"`
	ActiveUsersLimit           *int64 `json:"active_users_limit"`
	UserProfileOutsiderAllowed bool   `json:"user_profile_outsider_allowed"`
	MinimumArchivingPeriodSecs int64  `json:"minimum_archiving_period"`
}

type createOrganizationResponse struct {
	BootstrapToken string `json:"bootstrap_token"`
}

// adminCreateOrganization registers a tenant and returns the one-shot
// bootstrap token. Re-creating a not-yet-bootstrapped organization rotates
// the token.
func (s *Server) adminCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.OrganizationID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "organization_id required"})
		return
	}
	token := uuid.NewString()
	err := s.organizations.Create(r.Context(), organizations.CreateParams{
		ID:                         protocol.OrganizationID(req.OrganizationID),
		BootstrapToken:             token,
		ActiveUsersLimit:           req.ActiveUsersLimit,
		UserProfileOutsiderAllowed: req.UserProfileOutsiderAllowed,
		MinimumArchivingPeriod:     time.Duration(req.MinimumArchivingPeriodSecs) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createOrganizationResponse{BootstrapToken: token})
}

type organizationResponse struct {
	IsBootstrapped             bool              `json:"is_bootstrapped"`
	IsExpired                  bool              `json:"is_expired"`
	ActiveUsersLimit           *int64            `json:"active_users_limit"`
	UserProfileOutsiderAllowed bool              `json:"user_profile_outsider_allowed"`
	MinimumArchivingPeriodSecs int64             `json:"minimum_archiving_period"`
	Sequestered                bool              `json:"sequestered"`
	TosUpdatedOn               *time.Time        `json:"tos_updated_on"`
	TosPerLocaleURLs           map[string]string `json:"tos_per_locale_urls"`
}

func (s *Server) adminGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.organizations.Get(r.Context(), protocol.OrganizationID(r.PathValue("organization")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, organizationResponse{
		IsBootstrapped:             org.IsBootstrapped(),
		IsExpired:                  org.IsExpired,
		ActiveUsersLimit:           org.ActiveUsersLimit,
		UserProfileOutsiderAllowed: org.UserProfileOutsiderAllowed,
		MinimumArchivingPeriodSecs: int64(org.MinimumArchivingPeriod / time.Second),
		Sequestered:                org.SequesterAuthorityCertifiedOn != nil,
		TosUpdatedOn:               org.TosUpdatedOn,
		TosPerLocaleURLs:           org.TosPerLocaleURLs,
	})
}

type updateOrganizationRequest struct {
	IsExpired *bool `json:"is_expired"`
	// RawMessage keeps "absent", "null" and a number apart: null removes
	// the limit, absent leaves it untouched.
	ActiveUsersLimit           json.RawMessage   `json:"active_users_limit"`
	UserProfileOutsiderAllowed *bool             `json:"user_profile_outsider_allowed"`
	MinimumArchivingPeriodSecs *int64            `json:"minimum_archiving_period"`
	TosPerLocaleURLs           map[string]string `json:"tos_per_locale_urls"`
}

// adminUpdateOrganization applies a partial update. Absent fields stay
// untouched; active_users_limit set to null removes the limit.
func (s *Server) adminUpdateOrganization(w http.ResponseWriter, r *http.Request) {
	org := protocol.OrganizationID(r.PathValue("organization"))
	var req updateOrganizationRequest
	if !readJSON(w, r, &req) {
		return
	}
	update := organizations.ConfigUpdate{
		UserProfileOutsiderAllowed: req.UserProfileOutsiderAllowed,
		TosPerLocaleURLs:           req.TosPerLocaleURLs,
	}
	if len(req.ActiveUsersLimit) > 0 {
		var limit *int64
		if err := json.Unmarshal(req.ActiveUsersLimit, &limit); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid active_users_limit"})
			return
		}
		update.ActiveUsersLimit = &limit
	}
	if req.MinimumArchivingPeriodSecs != nil {
		period := time.Duration(*req.MinimumArchivingPeriodSecs) * time.Second
		update.MinimumArchivingPeriod = &period
	}
	if err := s.organizations.UpdateConfig(r.Context(), org, update); err != nil {
		writeError(w, err)
		return
	}
	if req.IsExpired != nil {
		if err := s.organizations.SetExpired(r.Context(), org, *req.IsExpired); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type organizationStatsResponse struct {
	ActiveUsers  int64 `json:"active_users"`
	RevokedUsers int64 `json:"revoked_users"`
	Realms       int64 `json:"realms"`
	Vlobs        int64 `json:"vlobs"`
	Blocks       int64 `json:"blocks"`
	MetadataSize int64 `json:"metadata_size"`
	DataSize     int64 `json:"data_size"`
}

func (s *Server) adminOrganizationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.organizations.Stats(r.Context(), protocol.OrganizationID(r.PathValue("organization")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, organizationStatsResponse{
		ActiveUsers:  stats.ActiveUsers,
		RevokedUsers: stats.RevokedUsers,
		Realms:       stats.Realms,
		Vlobs:        stats.Vlobs,
		Blocks:       stats.Blocks,
		MetadataSize: stats.MetadataSize,
		DataSize:     stats.DataSize,
	})
}

type freezeUserRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"user_email"`
	Frozen bool   `json:"frozen"`
}

type freezeUserResponse struct {
	UserID string `json:"user_id"`
	Frozen bool   `json:"frozen"`
}

// adminFreezeUser freezes or unfreezes a user, addressed either by id or by
// email. Freezing closes the user's open event streams.
func (s *Server) adminFreezeUser(w http.ResponseWriter, r *http.Request) {
	org := protocol.OrganizationID(r.PathValue("organization"))
	var req freezeUserRequest
	if !readJSON(w, r, &req) {
		return
	}
	var userID protocol.UserID
	var err error
	switch {
	case req.UserID != "":
		userID = protocol.UserID(req.UserID)
		err = s.users.SetFrozen(r.Context(), org, userID, req.Frozen)
	case req.Email != "":
		userID, err = s.users.FreezeByEmail(r.Context(), org, req.Email, req.Frozen)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "user_id or user_email required"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, freezeUserResponse{UserID: string(userID), Frozen: req.Frozen})
}

type sequesterServiceResponse struct {
	ServiceID   string     `json:"service_id"`
	ServiceType string     `json:"service_type"`
	Label       string     `json:"service_label"`
	CreatedOn   time.Time  `json:"created_on"`
	RevokedOn   *time.Time `json:"revoked_on"`
	WebhookURL  string     `json:"webhook_url,omitempty"`
}

func (s *Server) adminListSequesterServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.sequester.ListServices(r.Context(), protocol.OrganizationID(r.PathValue("organization")))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sequesterServiceResponse, 0, len(services))
	for _, svc := range services {
		out = append(out, sequesterServiceResponse{
			ServiceID:   svc.ServiceID.String(),
			ServiceType: string(svc.ServiceType),
			Label:       svc.Label,
			CreatedOn:   svc.CreatedOn,
			RevokedOn:   svc.RevokedOn,
			WebhookURL:  svc.WebhookURL,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createSequesterServiceRequest struct {
	Certificate []byte `json:"service_certificate"`
	ServiceType string `json:"service_type"`
	WebhookURL  string `json:"webhook_url"`
}

func (s *Server) adminCreateSequesterService(w http.ResponseWriter, r *http.Request) {
	org := protocol.OrganizationID(r.PathValue("organization"))
	var req createSequesterServiceRequest
	if !readJSON(w, r, &req) {
		return
	}
	err := s.sequester.CreateService(r.Context(), org, sequester.CreateServiceParams{
		Certificate: req.Certificate,
		ServiceType: protocol.SequesterServiceType(req.ServiceType),
		WebhookURL:  req.WebhookURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) adminRevokeSequesterService(w http.ResponseWriter, r *http.Request) {
	org := protocol.OrganizationID(r.PathValue("organization"))
	service, err := uuid.Parse(r.PathValue("service"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid service id"})
		return
	}
	if err := s.sequester.RevokeService(r.Context(), org, service); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type updateSequesterWebhookRequest struct {
	WebhookURL string `json:"webhook_url"`
}

func (s *Server) adminUpdateSequesterWebhook(w http.ResponseWriter, r *http.Request) {
	org := protocol.OrganizationID(r.PathValue("organization"))
	service, err := uuid.Parse(r.PathValue("service"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid service id"})
		return
	}
	var req updateSequesterWebhookRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.sequester.UpdateWebhookURL(r.Context(), org, service, req.WebhookURL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type dumpEntryResponse struct {
	VlobID  string `json:"vlob_id"`
	Version uint64 `json:"version"`
	Blob    []byte `json:"blob"`
}

func (s *Server) adminDumpSequesterRealm(w http.ResponseWriter, r *http.Request) {
	org := protocol.OrganizationID(r.PathValue("organization"))
	service, err := uuid.Parse(r.PathValue("service"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid service id"})
		return
	}
	realm, err := uuid.Parse(r.PathValue("realm"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid realm id"})
		return
	}
	entries, err := s.sequester.DumpRealm(r.Context(), org, service, realm)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]dumpEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, dumpEntryResponse{VlobID: e.VlobID.String(), Version: e.Version, Blob: e.Blob})
	}
	writeJSON(w, http.StatusOK, out)
}
