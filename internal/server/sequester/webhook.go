package sequester

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
)

// WebhookGate asks every enabled WEBHOOK service to accept a vlob write
// before it commits. A rejection or an unreachable service rolls the write
// back; writes are never retried past the gate.
type WebhookGate struct {
	log    logging.Logger
	client *http.Client
}

func NewWebhookGate(log logging.Logger, timeout time.Duration) *WebhookGate {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookGate{
		log:    log.With("module", "sequester_webhook"),
		client: &http.Client{Timeout: timeout},
	}
}

type webhookRequest struct {
	OrganizationID protocol.OrganizationID `msgpack:"organization_id"`
	ServiceID      uuid.UUID               `msgpack:"service_id"`
	VlobID         uuid.UUID               `msgpack:"vlob_id"`
	Version        uint64                  `msgpack:"version"`
	Blob           []byte                  `msgpack:"sequester_blob"`
}

type webhookReply struct {
	Reason string `msgpack:"reason"`
}

// CheckWrite validates the blob map against the enabled services and posts
// to each webhook in turn.
func (g *WebhookGate) CheckWrite(ctx context.Context, org protocol.OrganizationID,
	services []*models.SequesterService, vlob uuid.UUID, version uint64, blobs map[uuid.UUID][]byte) error {
	for _, svc := range services {
		if _, ok := blobs[svc.ServiceID]; !ok {
			return common.ErrSequesterInconsistency
		}
	}
	if len(blobs) != len(services) {
		return common.ErrSequesterInconsistency
	}
	for _, svc := range services {
		if svc.ServiceType != protocol.SequesterWebhook {
			continue
		}
		if err := g.post(ctx, org, svc, vlob, version, blobs[svc.ServiceID]); err != nil {
			return err
		}
	}
	return nil
}

func (g *WebhookGate) post(ctx context.Context, org protocol.OrganizationID,
	svc *models.SequesterService, vlob uuid.UUID, version uint64, blob []byte) error {
	body, err := msgpack.Marshal(webhookRequest{
		OrganizationID: org,
		ServiceID:      svc.ServiceID,
		VlobID:         vlob,
		Version:        version,
		Blob:           blob,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/msgpack")
	resp, err := g.client.Do(req)
	if err != nil {
		g.log.Warn(ctx, "sequester webhook unreachable", "service", svc.ServiceID, "error", err)
		return &common.SequesterUnavailableError{ServiceID: svc.ServiceID}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var reply webhookReply
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = msgpack.Unmarshal(raw, &reply)
		return &common.SequesterRejectedError{ServiceID: svc.ServiceID, Reason: reply.Reason}
	default:
		return &common.SequesterUnavailableError{ServiceID: svc.ServiceID}
	}
}
