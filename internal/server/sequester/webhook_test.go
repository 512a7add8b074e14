package sequester_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/sequester"
	"github.com/dmitrijs2005/parsecd/internal/server/servertest"
)

func newGate() *sequester.WebhookGate {
	return sequester.NewWebhookGate(servertest.Logger(), time.Second)
}

func webhookService(url string) *models.SequesterService {
	return &models.SequesterService{
		ServiceID:   uuid.New(),
		ServiceType: protocol.SequesterWebhook,
		WebhookURL:  url,
	}
}

func TestCheckWrite_BlobMapMustMatchServices(t *testing.T) {
	gate := newGate()
	svc := webhookService("http://unused.invalid")
	ctx := context.Background()

	// Missing blob for an enabled service.
	err := gate.CheckWrite(ctx, "org", []*models.SequesterService{svc}, uuid.New(), 1, nil)
	assert.ErrorIs(t, err, common.ErrSequesterInconsistency)

	// Blob for an unknown service.
	err = gate.CheckWrite(ctx, "org", nil, uuid.New(), 1, map[uuid.UUID][]byte{uuid.New(): []byte("x")})
	assert.ErrorIs(t, err, common.ErrSequesterInconsistency)
}

func TestCheckWrite_Accepted(t *testing.T) {
	var got []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gate := newGate()
	svc := webhookService(server.URL)
	vlob := uuid.New()

	err := gate.CheckWrite(context.Background(), "org", []*models.SequesterService{svc},
		vlob, 3, map[uuid.UUID][]byte{svc.ServiceID: []byte("ciphered")})
	require.NoError(t, err)

	var req struct {
		OrganizationID string    `msgpack:"organization_id"`
		VlobID         uuid.UUID `msgpack:"vlob_id"`
		Version        uint64    `msgpack:"version"`
		Blob           []byte    `msgpack:"sequester_blob"`
	}
	require.NoError(t, msgpack.Unmarshal(got, &req))
	assert.Equal(t, "org", req.OrganizationID)
	assert.Equal(t, vlob, req.VlobID)
	assert.Equal(t, uint64(3), req.Version)
	assert.Equal(t, []byte("ciphered"), req.Blob)
}

func TestCheckWrite_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := msgpack.Marshal(map[string]string{"reason": "forbidden content"})
		w.WriteHeader(http.StatusBadRequest)
		w.Write(body)
	}))
	defer server.Close()

	gate := newGate()
	svc := webhookService(server.URL)

	err := gate.CheckWrite(context.Background(), "org", []*models.SequesterService{svc},
		uuid.New(), 1, map[uuid.UUID][]byte{svc.ServiceID: []byte("x")})
	var rejected *common.SequesterRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, svc.ServiceID, rejected.ServiceID)
	assert.Equal(t, "forbidden content", rejected.Reason)
}

func TestCheckWrite_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	gate := newGate()
	svc := webhookService(server.URL)

	err := gate.CheckWrite(context.Background(), "org", []*models.SequesterService{svc},
		uuid.New(), 1, map[uuid.UUID][]byte{svc.ServiceID: []byte("x")})
	var unavailable *common.SequesterUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestCheckWrite_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	gate := newGate()
	svc := webhookService(url)

	err := gate.CheckWrite(context.Background(), "org", []*models.SequesterService{svc},
		uuid.New(), 1, map[uuid.UUID][]byte{svc.ServiceID: []byte("x")})
	var unavailable *common.SequesterUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestCheckWrite_StorageServicesAreNotPosted(t *testing.T) {
	gate := newGate()
	svc := &models.SequesterService{
		ServiceID:   uuid.New(),
		ServiceType: protocol.SequesterStorage,
		// Would fail if contacted.
		WebhookURL: "http://unreachable.invalid",
	}

	err := gate.CheckWrite(context.Background(), "org", []*models.SequesterService{svc},
		uuid.New(), 1, map[uuid.UUID][]byte{svc.ServiceID: []byte("x")})
	assert.NoError(t, err)
}
