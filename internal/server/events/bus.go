package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// Frame is what a registered client receives: the SSE event id and the
// serialized payload.
type Frame struct {
	ID   uuid.UUID
	Data []byte
}

// Client is one open event stream. Queue is bounded; a full queue cancels
// the client (slow consumer policy). The realms set is owned by the bus and
// only touched under its lock.
type Client struct {
	Organization protocol.OrganizationID
	User         protocol.UserID
	Device       protocol.DeviceID
	Profile      protocol.Profile

	realms map[uuid.UUID]struct{}
	queue  chan Frame
	cancel context.CancelFunc
}

// Queue returns the channel the SSE handler drains.
func (c *Client) Queue() <-chan Frame { return c.queue }

func (c *Client) tracksRealm(realm uuid.UUID) bool {
	_, ok := c.realms[realm]
	return ok
}

type cachedEvent struct {
	id    uuid.UUID
	event Event
	data  []byte
}

// Bus fans events out to registered clients and keeps a bounded ring of
// recent events for Last-Event-Id replay.
type Bus struct {
	log       logging.Logger
	queueSize int
	cacheSize int

	mu      sync.Mutex
	clients map[*Client]struct{}
	ring    []cachedEvent
}

// NewBus builds a bus. queueSize bounds each client queue, cacheSize bounds
// the replay ring.
func NewBus(log logging.Logger, queueSize, cacheSize int) *Bus {
	return &Bus{
		log:       log.With("module", "events"),
		queueSize: queueSize,
		cacheSize: cacheSize,
		clients:   make(map[*Client]struct{}),
	}
}

// Register attaches a new client. cancel is invoked, once, when the bus
// decides the stream must close (revocation, expiry, overflow); the caller
// also must call Unregister when the stream ends for any reason.
func (b *Bus) Register(org protocol.OrganizationID, user protocol.UserID, device protocol.DeviceID,
	profile protocol.Profile, realms []uuid.UUID, cancel context.CancelFunc) *Client {
	c := &Client{
		Organization: org,
		User:         user,
		Device:       device,
		Profile:      profile,
		realms:       make(map[uuid.UUID]struct{}, len(realms)),
		queue:        make(chan Frame, b.queueSize),
		cancel:       cancel,
	}
	for _, r := range realms {
		c.realms[r] = struct{}{}
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// Unregister detaches the client. Idempotent.
func (b *Bus) Unregister(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// Publish serializes the event once, records it in the replay ring and
// dispatches it. Must be called after the producing transaction committed.
func (b *Bus) Publish(ctx context.Context, event Event) {
	data, err := Serialize(event)
	if err != nil {
		b.log.Error(ctx, "event serialization failed", "error", err)
		return
	}
	id := uuid.New()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = append(b.ring, cachedEvent{id: id, event: event, data: data})
	if len(b.ring) > b.cacheSize {
		b.ring = b.ring[len(b.ring)-b.cacheSize:]
	}

	switch e := event.(type) {
	case *OrganizationExpired:
		for c := range b.clients {
			if c.Organization == e.Org {
				b.drop(c)
			}
		}
		return
	case *UserRevokedOrFrozen:
		for c := range b.clients {
			if c.Organization == e.Org && c.User == e.UserID {
				b.drop(c)
			}
		}
		return
	}

	realmCert, _ := event.(*RealmCertificate)
	for c := range b.clients {
		if c.Organization != event.Organization() {
			continue
		}
		// A share to this client starts realm tracking before delivery,
		// so the share certificate itself is delivered. An unshare stops
		// tracking after delivery for the same reason.
		if realmCert != nil && realmCert.UserID == c.User && !realmCert.RoleRemoved {
			c.realms[realmCert.RealmID] = struct{}{}
		}
		if event.isForClient(c) {
			b.push(c, Frame{ID: id, Data: data})
		}
		if realmCert != nil && realmCert.UserID == c.User && realmCert.RoleRemoved {
			delete(c.realms, realmCert.RealmID)
		}
	}
}

// push delivers without blocking; overflow cancels the client.
func (b *Bus) push(c *Client, f Frame) {
	select {
	case c.queue <- f:
	default:
		b.log.Warn(context.Background(), "client queue full, cancelling stream",
			"organization", c.Organization, "user", c.User)
		b.drop(c)
	}
}

func (b *Bus) drop(c *Client) {
	delete(b.clients, c)
	c.cancel()
}

// Replay returns the frames the client missed since lastEventID. ok is false
// when the id is no longer in the ring, in which case the caller sends the
// "missed" sentinel and the client resyncs.
func (b *Bus) Replay(c *Client, lastEventID uuid.UUID) ([]Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := -1
	for i, cached := range b.ring {
		if cached.id == lastEventID {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, false
	}
	var frames []Frame
	for _, cached := range b.ring[start:] {
		if cached.event.Organization() != c.Organization {
			continue
		}
		if cached.event.isForClient(c) {
			frames = append(frames, Frame{ID: cached.id, Data: cached.data})
		}
	}
	return frames, true
}
