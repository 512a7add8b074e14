// Package authn resolves the author of an authenticated request: the
// organization, the device that signed it and the user owning the device,
// rejecting expired organizations and revoked or frozen users.
package authn

import (
	"context"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
)

// Auth is the resolved author of a request.
type Auth struct {
	Organization *models.Organization
	User         *models.User
	Device       *models.Device
}

// Authenticate loads the author inside the caller's transaction. Outcomes:
// ErrOrganizationNotFound (also for non-bootstrapped organizations),
// ErrOrganizationExpired, ErrAuthorNotFound, ErrAuthorRevoked, ErrUserFrozen.
func Authenticate(ctx context.Context, tx store.Tx, org protocol.OrganizationID, device protocol.DeviceID) (*Auth, error) {
	o, err := tx.Organizations().Get(ctx, org)
	if err != nil {
		return nil, err
	}
	if !o.IsBootstrapped() {
		return nil, common.ErrOrganizationNotFound
	}
	if o.IsExpired {
		return nil, common.ErrOrganizationExpired
	}
	d, err := tx.Users().GetDevice(ctx, org, device)
	if err != nil {
		return nil, err
	}
	u, err := tx.Users().GetUser(ctx, org, d.UserID)
	if err != nil {
		return nil, err
	}
	if u.IsRevoked() {
		return nil, common.ErrAuthorRevoked
	}
	if u.Frozen {
		return nil, common.ErrUserFrozen
	}
	return &Auth{Organization: o, User: u, Device: d}, nil
}
