package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
)

// fakeServer is a minimal in-process media server for client tests.
type fakeServer struct {
	t *testing.T

	mu        sync.Mutex
	joins     []joinPayload
	produced  map[string][]byte // producerID -> accumulated audio
	producers int
	conns     []*websocket.Conn
	dropNext  bool // kill the next accepted connection after the join response
	rejectAll bool
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{t: t, produced: make(map[string][]byte)}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	reject := fs.rejectAll
	fs.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	ctx := context.Background()
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		resp := Frame{Type: FrameTypeResponse, ID: f.ID}

		switch f.Method {
		case methodJoin:
			var jp joinPayload
			json.Unmarshal(f.Payload, &jp)
			fs.mu.Lock()
			fs.joins = append(fs.joins, jp)
			drop := fs.dropNext
			fs.dropNext = false
			fs.mu.Unlock()
			wsjson.Write(ctx, conn, resp)
			if drop {
				conn.Close(websocket.StatusGoingAway, "drop")
				return
			}
			continue
		case methodProduce:
			var pp producePayload
			json.Unmarshal(f.Payload, &pp)
			fs.mu.Lock()
			id := pp.ProducerID
			if id == "" {
				fs.producers++
				id = "prod-" + string(rune('0'+fs.producers))
			}
			if _, ok := fs.produced[id]; !ok {
				fs.produced[id] = nil
			}
			fs.mu.Unlock()
			resp.Payload, _ = json.Marshal(produceResult{ProducerID: id})
		case methodProduceChunk:
			var pc produceChunkPayload
			json.Unmarshal(f.Payload, &pc)
			data, _ := base64.StdEncoding.DecodeString(pc.Data)
			fs.mu.Lock()
			fs.produced[pc.ProducerID] = append(fs.produced[pc.ProducerID], data...)
			fs.mu.Unlock()
		case methodConsume:
			resp.Payload, _ = json.Marshal(consumeResult{ConsumerID: "cons-1"})
		case methodParticipants:
			resp.Payload, _ = json.Marshal(participantsResult{
				Participants: []participantEntry{{ID: "human-1", Kind: "human"}},
			})
		case methodStopProduce, methodStopConsume, methodLeave:
		}

		wsjson.Write(ctx, conn, resp)
	}
}

// pushAudio emits an audio event on the most recent connection.
func (fs *fakeServer) pushAudio(consumerID string, data []byte) {
	fs.mu.Lock()
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()

	payload, _ := json.Marshal(audioEvent{
		ConsumerID: consumerID,
		Data:       base64.StdEncoding.EncodeToString(data),
	})
	wsjson.Write(context.Background(), conn, Frame{
		Type: FrameTypeEvent, Method: eventAudio, Payload: payload,
	})
}

func testClient(srv *httptest.Server, onDown func(error)) *Client {
	return NewClient(Options{
		URL: wsURL(srv),
		Config: config.MediaConfig{
			Timeout:           2 * time.Second,
			ReconnectAttempts: 3,
			ReconnectBackoff:  10 * time.Millisecond,
		},
		Logger: slog.Default(),
		OnDown: onDown,
	})
}

func TestJoinProduceWrite(t *testing.T) {
	fs, srv := newFakeServer(t)
	client := testClient(srv, nil)
	ctx := context.Background()

	require.NoError(t, client.Join(ctx, "lounge", "agent-1"))
	assert.Equal(t, StateActive, client.State())

	prod, err := client.Produce(ctx, domain.RoomFormat())
	require.NoError(t, err)

	require.NoError(t, prod.Write(ctx, []byte("abc")))
	require.NoError(t, prod.Write(ctx, []byte("def")))
	require.NoError(t, prod.Close())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []byte("abcdef"), fs.produced[prod.ID()], "chunks arrive in order")
	require.Len(t, fs.joins, 1)
	assert.Equal(t, "lounge", fs.joins[0].Room)
	assert.Equal(t, "agent-1", fs.joins[0].PeerID)
	assert.NotEmpty(t, fs.joins[0].ConnID)
}

func TestDoubleJoinRejected(t *testing.T) {
	_, srv := newFakeServer(t)
	client := testClient(srv, nil)
	ctx := context.Background()

	require.NoError(t, client.Join(ctx, "lounge", "agent-1"))
	err := client.Join(ctx, "lounge", "agent-1")
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestConsumeRoutesAudio(t *testing.T) {
	fs, srv := newFakeServer(t)
	client := testClient(srv, nil)
	ctx := context.Background()

	require.NoError(t, client.Join(ctx, "lounge", "agent-1"))

	id, sink, err := client.Consume(ctx, "human-1")
	require.NoError(t, err)
	assert.Equal(t, "cons-1", id)

	fs.pushAudio("cons-1", []byte{1, 2, 3})
	select {
	case chunk := <-sink:
		assert.Equal(t, []byte{1, 2, 3}, chunk)
	case <-time.After(time.Second):
		t.Fatal("no audio routed")
	}

	require.NoError(t, client.StopConsume(ctx, id))
	_, ok := <-sink
	assert.False(t, ok, "sink closed after stop")
}

func TestParticipants(t *testing.T) {
	_, srv := newFakeServer(t)
	client := testClient(srv, nil)
	ctx := context.Background()

	require.NoError(t, client.Join(ctx, "lounge", "agent-1"))
	parts, err := client.Participants(ctx)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "human", parts[0].Kind)
}

func TestStopUnknownProducer(t *testing.T) {
	_, srv := newFakeServer(t)
	client := testClient(srv, nil)
	require.NoError(t, client.Join(context.Background(), "lounge", "agent-1"))

	err := client.StopProduce(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconnectRejoinsAndReadvertises(t *testing.T) {
	fs, srv := newFakeServer(t)
	client := testClient(srv, nil)
	ctx := context.Background()

	require.NoError(t, client.Join(ctx, "lounge", "agent-1"))
	prod, err := client.Produce(ctx, domain.RoomFormat())
	require.NoError(t, err)

	// Drop the live connection; the client must re-join and re-advertise.
	fs.mu.Lock()
	fs.dropNext = false
	conn := fs.conns[0]
	fs.mu.Unlock()
	conn.Close(websocket.StatusGoingAway, "kicked")

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.joins) == 2
	}, 3*time.Second, 10*time.Millisecond, "second join after reconnect")

	require.Eventually(t, func() bool {
		return client.State() == StateActive
	}, 3*time.Second, 10*time.Millisecond)

	// Producer keeps working with its old ID.
	require.Eventually(t, func() bool {
		return prod.Write(ctx, []byte("after")) == nil
	}, 3*time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, fs.joins[0].ConnID, fs.joins[1].ConnID, "connection identity is stable")
	assert.Contains(t, string(fs.produced[prod.ID()]), "after")
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	fs, srv := newFakeServer(t)

	var downErr error
	down := make(chan struct{})
	client := testClient(srv, func(err error) {
		downErr = err
		close(down)
	})
	ctx := context.Background()

	require.NoError(t, client.Join(ctx, "lounge", "agent-1"))

	// Refuse all further connections, then kill the live one.
	fs.mu.Lock()
	fs.rejectAll = true
	conn := fs.conns[0]
	fs.mu.Unlock()
	conn.Close(websocket.StatusGoingAway, "kicked")

	select {
	case <-down:
	case <-time.After(5 * time.Second):
		t.Fatal("teardown callback never fired")
	}

	require.ErrorIs(t, downErr, domain.ErrMediaUnrecoverable)
	assert.Equal(t, StateClosed, client.State())

	_, err := client.Produce(ctx, domain.RoomFormat())
	require.ErrorIs(t, err, domain.ErrMediaUnrecoverable)
}

func TestLeaveClosesEverything(t *testing.T) {
	_, srv := newFakeServer(t)
	client := testClient(srv, nil)
	ctx := context.Background()

	require.NoError(t, client.Join(ctx, "lounge", "agent-1"))
	_, sink, err := client.Consume(ctx, "human-1")
	require.NoError(t, err)

	require.NoError(t, client.Leave(ctx))
	assert.Equal(t, StateClosed, client.State())

	_, ok := <-sink
	assert.False(t, ok)

	// Leave is idempotent and later joins are rejected.
	require.NoError(t, client.Leave(ctx))
	require.ErrorIs(t, client.Join(ctx, "lounge", "agent-1"), domain.ErrMediaUnrecoverable)
}
