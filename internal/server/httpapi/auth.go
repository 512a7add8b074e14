package httpapi

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/parsecd/internal/cryptox"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/authn"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
	"github.com/dmitrijs2005/parsecd/internal/timex"
)

const signatureScheme = "PARSEC-SIGN-ED25519"

// How far a signed request timestamp may lag behind the server clock before
// it is treated as a replay.
const signatureMaxAge = 5 * time.Minute

var errUnauthorized = errors.New("unauthorized")

// AdminClaims is the administration JWT payload: standard claims plus the
// operator name, for audit logging.
type AdminClaims struct {
	jwt.RegisteredClaims
	Operator string
}

// GenerateAdminToken issues an administration token. Exposed for operator
// tooling and tests.
func GenerateAdminToken(operator string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		Operator: operator,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func operatorFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &AdminClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	if !token.Valid {
		return "", errUnauthorized
	}

	return claims.Operator, nil
}

// adminAuth gates the administration API behind a bearer JWT signed with the
// server's admin secret.
func (s *Server) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		operator, err := operatorFromToken(tokenString, s.adminSecret)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.log.Debug(r.Context(), "administration request",
			"operator", operator, "method", r.Method, "path", r.URL.Path)
		next(w, r)
	}
}

// authenticatedHandler receives the verified caller alongside the request.
type authenticatedHandler func(w http.ResponseWriter, r *http.Request, auth *authn.Auth)

// deviceAuth verifies a detached ed25519 signature over the request. The
// client sends:
//
//	Authorization: PARSEC-SIGN-ED25519
//	Author:        <device id>
//	Timestamp:     <RFC3339, within signatureMaxAge of the server clock>
//	Signature:     base64(sign(author + "." + timestamp + "." + body))
//
// A cached verify key rejects a bad signature before the store is touched;
// the store transaction still runs for the revoked and frozen checks, and
// supplies the key when the cache is cold.
func (s *Server) deviceAuth(next authenticatedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org := protocol.OrganizationID(r.PathValue("organization"))

		if r.Header.Get("Authorization") != signatureScheme {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		device := protocol.DeviceID(r.Header.Get("Author"))
		sig, err := base64.StdEncoding.DecodeString(r.Header.Get("Signature"))
		if err != nil || device == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		stamp := r.Header.Get("Timestamp")
		issued, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		now := timex.TruncateMicroseconds(time.Now().UTC())
		if issued.After(now.Add(time.Minute)) || now.Sub(issued) > signatureMaxAge {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		signed := make([]byte, 0, len(device)+len(stamp)+len(body)+2)
		signed = append(signed, device...)
		signed = append(signed, '.')
		signed = append(signed, stamp...)
		signed = append(signed, '.')
		signed = append(signed, body...)

		cached := s.validator.CachedVerifyKey(org, device)
		if cached != nil {
			if err := cached.Verify(signed, sig); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		auth, err := s.authenticate(r, org, device)
		if err != nil {
			writeError(w, err)
			return
		}

		if cached == nil {
			if err := cryptox.VerifyKey(auth.Device.VerifyKey).Verify(signed, sig); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r, auth)
	}
}

func (s *Server) authenticate(r *http.Request, org protocol.OrganizationID, device protocol.DeviceID) (*authn.Auth, error) {
	var auth *authn.Auth
	err := store.WithTx(r.Context(), s.store, func(tx store.Tx) error {
		var err error
		auth, err = authn.Authenticate(r.Context(), tx, org, device)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.validator.CacheVerifyKey(org, device, auth.Device.VerifyKey)
	return auth, nil
}
