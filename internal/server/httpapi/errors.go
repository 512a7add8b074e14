package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/parsecd/internal/common"
)

// Expired, revoked and frozen are not client mistakes and not server
// failures: dedicated statuses let clients tell them apart without parsing
// the body.
const (
	statusOrganizationExpired = 460
	statusAuthorRevoked       = 461
	statusUserFrozen          = 462
)

type errorBody struct {
	Error  string         `json:"error"`
	Detail map[string]any `json:"detail,omitempty"`
}

// writeError translates a service outcome into a status and a JSON body.
// Unknown errors become an opaque 500: internals never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	switch {
	case errors.Is(err, common.ErrOrganizationNotFound),
		errors.Is(err, common.ErrAuthorNotFound),
		errors.Is(err, common.ErrUserNotFound),
		errors.Is(err, common.ErrRealmNotFound),
		errors.Is(err, common.ErrVlobNotFound),
		errors.Is(err, common.ErrBlockNotFound),
		errors.Is(err, common.ErrInvitationNotFound),
		errors.Is(err, common.ErrSequesterServiceNotFound),
		errors.Is(err, common.ErrShamirSetupNotFound),
		errors.Is(err, common.ErrInvalidRevealToken):
		return http.StatusNotFound, errorBody{Error: err.Error()}

	case errors.Is(err, common.ErrOrganizationExpired):
		return statusOrganizationExpired, errorBody{Error: err.Error()}
	case errors.Is(err, common.ErrAuthorRevoked):
		return statusAuthorRevoked, errorBody{Error: err.Error()}
	case errors.Is(err, common.ErrUserFrozen):
		return statusUserFrozen, errorBody{Error: err.Error()}

	case errors.Is(err, common.ErrInvalidBootstrapToken),
		errors.Is(err, common.ErrAuthorNotAllowed):
		return http.StatusForbidden, errorBody{Error: err.Error()}

	case errors.Is(err, common.ErrOrganizationAlreadyExists),
		errors.Is(err, common.ErrOrganizationAlreadyBootstrapped),
		errors.Is(err, common.ErrSequesterServiceAlreadyExists),
		errors.Is(err, common.ErrSequesterServiceAlreadyRevoked):
		return http.StatusConflict, errorBody{Error: err.Error()}
	}

	var greater *common.RequireGreaterTimestampError
	if errors.As(err, &greater) {
		return http.StatusBadRequest, errorBody{
			Error: "require_greater_timestamp",
			Detail: map[string]any{
				"strictly_greater_than": greater.StrictlyGreaterThan.Format(time.RFC3339Nano),
			},
		}
	}
	var ballpark *common.TimestampOutOfBallparkError
	if errors.As(err, &ballpark) {
		return http.StatusBadRequest, errorBody{
			Error: "timestamp_out_of_ballpark",
			Detail: map[string]any{
				"server_timestamp":      ballpark.ServerTimestamp.Format(time.RFC3339Nano),
				"client_timestamp":      ballpark.ClientTimestamp.Format(time.RFC3339Nano),
				"ballpark_early_offset": ballpark.BallparkEarlyOffset.Seconds(),
				"ballpark_late_offset":  ballpark.BallparkLateOffset.Seconds(),
			},
		}
	}
	var exists *common.CertificateAlreadyExistsError
	if errors.As(err, &exists) {
		return http.StatusConflict, errorBody{
			Error: "certificate_already_exists",
			Detail: map[string]any{
				"certificate_timestamp": exists.CertificateTimestamp.Format(time.RFC3339Nano),
			},
		}
	}
	var badKey *common.BadKeyIndexError
	if errors.As(err, &badKey) {
		return http.StatusBadRequest, errorBody{
			Error: "bad_key_index",
			Detail: map[string]any{
				"last_realm_certificate_timestamp": badKey.LastRealmCertificateTimestamp.Format(time.RFC3339Nano),
			},
		}
	}
	var rejected *common.SequesterRejectedError
	if errors.As(err, &rejected) {
		return http.StatusBadRequest, errorBody{
			Error: "sequester_rejected",
			Detail: map[string]any{
				"service_id": rejected.ServiceID.String(),
				"reason":     rejected.Reason,
			},
		}
	}
	var unavailable *common.SequesterUnavailableError
	if errors.As(err, &unavailable) {
		return http.StatusServiceUnavailable, errorBody{
			Error: "sequester_unavailable",
			Detail: map[string]any{
				"service_id": unavailable.ServiceID.String(),
			},
		}
	}

	switch {
	case errors.Is(err, common.ErrInvalidCertificate),
		errors.Is(err, common.ErrUserAlreadyExists),
		errors.Is(err, common.ErrDeviceAlreadyExists),
		errors.Is(err, common.ErrHumanHandleAlreadyTaken),
		errors.Is(err, common.ErrActiveUsersLimitReached),
		errors.Is(err, common.ErrUserNoChanges),
		errors.Is(err, common.ErrRealmAlreadyExists),
		errors.Is(err, common.ErrRecipientNotFound),
		errors.Is(err, common.ErrRecipientRevoked),
		errors.Is(err, common.ErrRoleIncompatibleWithOutsider),
		errors.Is(err, common.ErrParticipantMismatch),
		errors.Is(err, common.ErrAccessNotAvailableForAuthor),
		errors.Is(err, common.ErrVlobAlreadyExists),
		errors.Is(err, common.ErrBadVlobVersion),
		errors.Is(err, common.ErrBlockAlreadyExists),
		errors.Is(err, common.ErrTooManyItems),
		errors.Is(err, common.ErrInvitationCancelled),
		errors.Is(err, common.ErrInvitationAlreadyCompleted),
		errors.Is(err, common.ErrEnrollmentWrongState),
		errors.Is(err, common.ErrSequesterDisabled),
		errors.Is(err, common.ErrSequesterServiceWrongKind),
		errors.Is(err, common.ErrSequesterInconsistency):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	}

	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}
