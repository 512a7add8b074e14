// Package certif validates incoming certificates: signature against the
// author's verify key, payload decoding, and the ballpark check keeping
// client clocks close to the server's.
package certif

import (
	"bytes"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/cryptox"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// Default ballpark offsets. A client timestamp is accepted when it lies in
// [now-late, now+early].
const (
	DefaultBallparkEarlyOffset = 300 * time.Second
	DefaultBallparkLateOffset  = 320 * time.Second
)

// Validator holds the ballpark window and a verify-key cache. Device verify
// keys are immutable once created, so cached entries never go stale; the TTL
// only bounds memory on organizations with large device churn.
type Validator struct {
	early time.Duration
	late  time.Duration
	keys  *gocache.Cache
}

func NewValidator(early, late time.Duration) *Validator {
	if early <= 0 {
		early = DefaultBallparkEarlyOffset
	}
	if late <= 0 {
		late = DefaultBallparkLateOffset
	}
	return &Validator{
		early: early,
		late:  late,
		keys:  gocache.New(time.Hour, 10*time.Minute),
	}
}

// CheckBallpark returns TimestampOutOfBallparkError when the client
// timestamp drifts too far from now.
func (v *Validator) CheckBallpark(now, client time.Time) error {
	if client.After(now.Add(v.early)) || client.Before(now.Add(-v.late)) {
		return &common.TimestampOutOfBallparkError{
			ServerTimestamp:     now,
			ClientTimestamp:     client,
			BallparkEarlyOffset: v.early,
			BallparkLateOffset:  v.late,
		}
	}
	return nil
}

func keyCacheKey(org protocol.OrganizationID, device protocol.DeviceID) string {
	return fmt.Sprintf("%s/%s", org, device)
}

// CacheVerifyKey records a freshly created device's verify key so the next
// request from it skips the store lookup.
func (v *Validator) CacheVerifyKey(org protocol.OrganizationID, device protocol.DeviceID, key cryptox.VerifyKey) {
	v.keys.SetDefault(keyCacheKey(org, device), key)
}

// CachedVerifyKey returns the cached verify key, or nil.
func (v *Validator) CachedVerifyKey(org protocol.OrganizationID, device protocol.DeviceID) cryptox.VerifyKey {
	if raw, ok := v.keys.Get(keyCacheKey(org, device)); ok {
		return raw.(cryptox.VerifyKey)
	}
	return nil
}

// Open verifies signed against vk and decodes it into dst, requiring the
// wantType tag. Any failure collapses into ErrInvalidCertificate: the client
// gains nothing from distinguishing a bad signature from a bad payload.
func (v *Validator) Open(vk cryptox.VerifyKey, signed []byte, wantType string, dst any) error {
	if err := protocol.Open(vk, signed, wantType, dst); err != nil {
		return common.ErrInvalidCertificate
	}
	return nil
}

// OpenUserCertificates validates a full/redacted user certificate pair. The
// redacted variant must be identical except for a nil human handle.
func (v *Validator) OpenUserCertificates(vk cryptox.VerifyKey, full, redacted []byte) (*protocol.UserCertificate, error) {
	var cert, red protocol.UserCertificate
	if err := v.Open(vk, full, protocol.TypeUserCertificate, &cert); err != nil {
		return nil, err
	}
	if err := v.Open(vk, redacted, protocol.TypeUserCertificate, &red); err != nil {
		return nil, err
	}
	if cert.HumanHandle == nil || red.HumanHandle != nil {
		return nil, common.ErrInvalidCertificate
	}
	if red.Author != cert.Author || !red.Timestamp.Equal(cert.Timestamp) ||
		red.UserID != cert.UserID || red.Profile != cert.Profile ||
		!bytes.Equal(red.PublicKey, cert.PublicKey) {
		return nil, common.ErrInvalidCertificate
	}
	if !cert.Profile.Valid() {
		return nil, common.ErrInvalidCertificate
	}
	return &cert, nil
}

// OpenDeviceCertificates validates a full/redacted device certificate pair.
// The redacted variant must be identical except for a nil device label.
func (v *Validator) OpenDeviceCertificates(vk cryptox.VerifyKey, full, redacted []byte) (*protocol.DeviceCertificate, error) {
	var cert, red protocol.DeviceCertificate
	if err := v.Open(vk, full, protocol.TypeDeviceCertificate, &cert); err != nil {
		return nil, err
	}
	if err := v.Open(vk, redacted, protocol.TypeDeviceCertificate, &red); err != nil {
		return nil, err
	}
	if cert.DeviceLabel == nil || red.DeviceLabel != nil {
		return nil, common.ErrInvalidCertificate
	}
	if red.Author != cert.Author || !red.Timestamp.Equal(cert.Timestamp) ||
		red.UserID != cert.UserID || red.DeviceID != cert.DeviceID ||
		!bytes.Equal(red.VerifyKey, cert.VerifyKey) {
		return nil, common.ErrInvalidCertificate
	}
	return &cert, nil
}
