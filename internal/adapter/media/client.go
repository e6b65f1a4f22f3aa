package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
)

// State is the client's connection lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateTransient State = "disconnected-transient"
	StateClosed    State = "closed"
)

// Client is a per-binding media room handle over a websocket RPC transport.
// On transport drops it runs a supervised reconnect loop with a bounded
// budget; exhaustion closes the client and notifies the owner.
type Client struct {
	url        string
	timeout    time.Duration
	attempts   int
	backoff    time.Duration
	consumeDur time.Duration
	logger     *slog.Logger

	connID string // stable peer connection identity across reconnects

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	reconnecting bool
	room         string
	peerID       string
	pending      map[uint64]chan Frame
	producers    map[string]domain.AudioFormat // live producers, for re-advertising
	consumers    map[string]chan []byte
	onDown       func(error)

	nextID atomic.Uint64
}

// Options configures a Client.
type Options struct {
	URL    string
	Config config.MediaConfig
	Logger *slog.Logger
	// OnDown is called once when the reconnect budget is exhausted and the
	// client transitions to closed. Called outside the client's lock.
	OnDown func(error)
}

// NewClient creates an unconnected client. Join establishes the transport.
func NewClient(opts Options) *Client {
	timeout := opts.Config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	backoff := opts.Config.ReconnectBackoff
	if backoff == 0 {
		backoff = time.Second
	}
	consumeDur := opts.Config.ConsumeDuration
	if consumeDur == 0 {
		consumeDur = 5 * time.Second
	}
	return &Client{
		url:        opts.URL,
		timeout:    timeout,
		attempts:   opts.Config.ReconnectAttempts,
		backoff:    backoff,
		consumeDur: consumeDur,
		logger:     opts.Logger,
		connID:     uuid.NewString(),
		state:      StateIdle,
		pending:    make(map[uint64]chan Frame),
		producers:  make(map[string]domain.AudioFormat),
		consumers:  make(map[string]chan []byte),
		onDown:     opts.OnDown,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join implements domain.MediaRoomClient.
func (c *Client) Join(ctx context.Context, room, peerID string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return domain.NewDomainError("media.join", domain.ErrMediaUnrecoverable, "client closed")
	}
	if c.state == StateActive {
		c.mu.Unlock()
		return domain.NewDomainError("media.join", domain.ErrAlreadyExists, "already joined")
	}
	c.room = room
	c.peerID = peerID
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return domain.WrapOp("media.join", err)
	}
	return nil
}

// connect dials the server, starts the read loop, and runs the join RPC.
func (c *Client) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", domain.ErrTransportUnavailable, c.url, err)
	}
	conn.SetReadLimit(4 << 20)

	c.mu.Lock()
	c.conn = conn
	c.state = StateActive
	room, peerID := c.room, c.peerID
	c.mu.Unlock()

	go c.readLoop(conn)

	payload, _ := json.Marshal(joinPayload{Room: room, PeerID: peerID, ConnID: c.connID})
	if _, err := c.call(ctx, methodJoin, payload); err != nil {
		return err
	}
	return nil
}

// readLoop routes responses to waiters and audio events to consumer sinks.
// A read error while active triggers the supervised reconnect.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f Frame
		if err := wsjson.Read(context.Background(), conn, &f); err != nil {
			c.handleDrop(conn, err)
			return
		}

		switch f.Type {
		case FrameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameTypeEvent:
			if f.Method == eventAudio {
				c.routeAudio(f.Payload)
			}
		}
	}
}

func (c *Client) routeAudio(payload json.RawMessage) {
	var evt audioEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return
	}
	data, err := base64.StdEncoding.DecodeString(evt.Data)
	if err != nil {
		c.logger.Warn("dropping malformed audio event", "consumer", evt.ConsumerID)
		return
	}

	c.mu.Lock()
	sink, ok := c.consumers[evt.ConsumerID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sink <- data:
	default:
		// Consumer is not keeping up; audio is perishable.
	}
}

// handleDrop decides between reconnect and final teardown.
func (c *Client) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.state = StateTransient
	c.conn = nil
	c.failPendingLocked()
	spawn := !c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	c.logger.Warn("media transport dropped, reconnecting",
		"room", c.room, "peer", c.peerID, "cause", cause)
	if spawn {
		go c.reconnect()
	}
}

// failPendingLocked unblocks all in-flight calls with a transport error.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- Frame{Type: FrameTypeResponse, ID: id, Error: "transport dropped"}
	}
}

// reconnect retries the connection with linear backoff until the budget is
// exhausted, then closes the client for good.
func (c *Client) reconnect() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.attempts; attempt++ {
		time.Sleep(time.Duration(attempt) * c.backoff)

		c.mu.Lock()
		if c.state != StateTransient {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("media transport restored",
				"room", c.room, "peer", c.peerID, "attempt", attempt)
			c.readvertise()
			return
		}
		c.logger.Warn("media reconnect attempt failed",
			"attempt", attempt, "of", c.attempts, "err", err)
	}

	c.teardown(domain.NewDomainError("media.reconnect", domain.ErrMediaUnrecoverable,
		fmt.Sprintf("budget of %d attempts exhausted", c.attempts)))
}

// readvertise re-creates the server-side producers that were live before the
// drop, keeping their IDs so the owning turn can keep writing.
func (c *Client) readvertise() {
	c.mu.Lock()
	producers := make(map[string]domain.AudioFormat, len(c.producers))
	for id, format := range c.producers {
		producers[id] = format
	}
	c.mu.Unlock()

	for id, format := range producers {
		payload, _ := json.Marshal(producePayload{
			Codec:      format.Codec,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			ProducerID: id,
		})
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		_, err := c.call(ctx, methodProduce, payload)
		cancel()
		if err != nil {
			c.logger.Warn("failed to re-advertise producer", "producer", id, "err", err)
		}
	}
}

// teardown closes everything and notifies the owner exactly once.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	for id, sink := range c.consumers {
		close(sink)
		delete(c.consumers, id)
	}
	c.producers = make(map[string]domain.AudioFormat)
	onDown := c.onDown
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
	}
	if cause != nil && onDown != nil {
		onDown(cause)
	}
}

// call runs one RPC round trip.
func (c *Client) call(ctx context.Context, method string, payload json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, domain.NewDomainError("media.call", domain.ErrMediaUnrecoverable, method)
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, domain.NewDomainError("media.call", domain.ErrTransportUnavailable, method)
	}
	id := c.nextID.Add(1)
	ch := make(chan Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := Frame{Type: FrameTypeRequest, ID: id, Method: method, Payload: payload}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: write %s: %v", domain.ErrTransportUnavailable, method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrProviderError, method, ctx.Err())
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s: %s", domain.ErrTransportUnavailable, method, resp.Error)
		}
		return resp.Payload, nil
	}
}

// Produce implements domain.MediaRoomClient.
func (c *Client) Produce(ctx context.Context, format domain.AudioFormat) (domain.Producer, error) {
	payload, _ := json.Marshal(producePayload{
		Codec:      format.Codec,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	})
	respPayload, err := c.call(ctx, methodProduce, payload)
	if err != nil {
		return nil, domain.WrapOp("media.produce", err)
	}

	var result produceResult
	if err := json.Unmarshal(respPayload, &result); err != nil {
		return nil, fmt.Errorf("media.produce: decode response: %w", err)
	}

	c.mu.Lock()
	c.producers[result.ProducerID] = format
	c.mu.Unlock()

	return &producer{id: result.ProducerID, client: c}, nil
}

// StopProduce implements domain.MediaRoomClient.
func (c *Client) StopProduce(ctx context.Context, producerID string) error {
	c.mu.Lock()
	_, known := c.producers[producerID]
	delete(c.producers, producerID)
	c.mu.Unlock()
	if !known {
		return domain.NewDomainError("media.stop-produce", domain.ErrNotFound, producerID)
	}

	payload, _ := json.Marshal(stopProducePayload{ProducerID: producerID})
	_, err := c.call(ctx, methodStopProduce, payload)
	return domain.WrapOp("media.stop-produce", err)
}

// Consume implements domain.MediaRoomClient.
func (c *Client) Consume(ctx context.Context, target string) (string, <-chan []byte, error) {
	payload, _ := json.Marshal(consumePayload{Target: target, DurationMS: c.consumeDur.Milliseconds()})
	respPayload, err := c.call(ctx, methodConsume, payload)
	if err != nil {
		return "", nil, domain.WrapOp("media.consume", err)
	}

	var result consumeResult
	if err := json.Unmarshal(respPayload, &result); err != nil {
		return "", nil, fmt.Errorf("media.consume: decode response: %w", err)
	}

	sink := make(chan []byte, 32)
	c.mu.Lock()
	c.consumers[result.ConsumerID] = sink
	c.mu.Unlock()

	return result.ConsumerID, sink, nil
}

// StopConsume implements domain.MediaRoomClient.
func (c *Client) StopConsume(ctx context.Context, consumerID string) error {
	c.mu.Lock()
	sink, known := c.consumers[consumerID]
	delete(c.consumers, consumerID)
	c.mu.Unlock()
	if !known {
		return domain.NewDomainError("media.stop-consume", domain.ErrNotFound, consumerID)
	}
	close(sink)

	payload, _ := json.Marshal(stopConsumePayload{ConsumerID: consumerID})
	_, err := c.call(ctx, methodStopConsume, payload)
	return domain.WrapOp("media.stop-consume", err)
}

// Participants implements domain.MediaRoomClient.
func (c *Client) Participants(ctx context.Context) ([]domain.Participant, error) {
	respPayload, err := c.call(ctx, methodParticipants, nil)
	if err != nil {
		return nil, domain.WrapOp("media.participants", err)
	}

	var result participantsResult
	if err := json.Unmarshal(respPayload, &result); err != nil {
		return nil, fmt.Errorf("media.participants: decode response: %w", err)
	}

	out := make([]domain.Participant, 0, len(result.Participants))
	for _, p := range result.Participants {
		out = append(out, domain.Participant{ID: p.ID, Kind: p.Kind})
	}
	return out, nil
}

// Leave implements domain.MediaRoomClient. It closes any still-open producers
// and consumers, tells the server, and closes the transport.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	state := c.state
	c.mu.Unlock()

	if state == StateActive {
		_, _ = c.call(ctx, methodLeave, nil)
	}
	c.teardown(nil)
	return nil
}

// producer is an open audio stream into the room.
type producer struct {
	id     string
	client *Client
	closed atomic.Bool
}

func (p *producer) ID() string { return p.id }

// Write sends one chunk, base64-encoded, in order.
func (p *producer) Write(ctx context.Context, chunk []byte) error {
	if p.closed.Load() {
		return domain.NewDomainError("media.producer", domain.ErrCancelled, p.id)
	}
	payload, _ := json.Marshal(produceChunkPayload{
		ProducerID: p.id,
		Data:       base64.StdEncoding.EncodeToString(chunk),
	})
	_, err := p.client.call(ctx, methodProduceChunk, payload)
	return domain.WrapOp("media.producer.write", err)
}

func (p *producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.client.timeout)
	defer cancel()
	return p.client.StopProduce(ctx, p.id)
}

var _ domain.MediaRoomClient = (*Client)(nil)
