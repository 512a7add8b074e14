package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/server/authn"
	"github.com/dmitrijs2005/parsecd/internal/server/events"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
)

const keepaliveInterval = 30 * time.Second

// eventsStream is the server-sent-events endpoint. The first frame is always
// organization_config; after a reconnect the frames missed since
// Last-Event-Id are replayed, or a single "missed" sentinel when they fell
// out of the ring. Payloads are msgpack, base64-encoded into the data field.
func (s *Server) eventsStream(w http.ResponseWriter, r *http.Request, auth *authn.Auth) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var realms []uuid.UUID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		var err error
		realms, err = tx.Realms().RealmsForUser(ctx, auth.Organization.ID, auth.User.UserID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	client := s.bus.Register(auth.Organization.ID, auth.User.UserID, auth.Device.DeviceID,
		auth.User.CurrentProfile, realms, cancel)
	defer s.bus.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	configFrame, err := events.Serialize(&events.OrganizationConfig{
		Org:                        auth.Organization.ID,
		UserProfileOutsiderAllowed: auth.Organization.UserProfileOutsiderAllowed,
		ActiveUsersLimit:           auth.Organization.ActiveUsersLimit,
		SseEventsCacheSize:         s.config.SseEventsCacheSize,
	})
	if err != nil {
		s.log.Error(ctx, "config frame serialization failed", "error", err)
		return
	}
	writeFrame(w, uuid.New(), configFrame)
	flusher.Flush()

	if lastID := r.Header.Get("Last-Event-Id"); lastID != "" {
		if id, err := uuid.Parse(lastID); err == nil {
			frames, ok := s.bus.Replay(client, id)
			if !ok {
				writeFrame(w, uuid.New(), events.MissedPayload())
			}
			for _, f := range frames {
				writeFrame(w, f.ID, f.Data)
			}
			flusher.Flush()
		}
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		case frame := <-client.Queue():
			writeFrame(w, frame.ID, frame.Data)
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, id uuid.UUID, data []byte) {
	fmt.Fprintf(w, "id:%s\ndata:%s\n\n", id, base64.StdEncoding.EncodeToString(data))
}

type pingRequest struct {
	Ping string `json:"ping"`
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request, auth *authn.Auth) {
	var req pingRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.users.Ping(r.Context(), auth.Organization.ID, auth.Device.DeviceID, req.Ping); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
