package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/types"
)

func newPublisher(t *testing.T) *Publisher {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewPublisher(rdb, zap.NewNop())
}

func TestPublisher_SubscribeReceivesEmitted(t *testing.T) {
	pub := newPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := pub.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	pub.Emit(ctx, types.StageEvent{UID: "other", Stage: "decode", Status: types.EventStarted})
	pub.Emit(ctx, types.StageEvent{UID: "u1", Stage: "shape_generation", Status: types.EventStarted})

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", ev.UID)
	assert.Equal(t, "shape_generation", ev.Stage)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamer_ForwardsUntilTerminal(t *testing.T) {
	pub := newPublisher(t)
	streamer := NewStreamer(pub, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamer.Stream(w, r, "job-1", func(context.Context) (types.JobStatus, error) {
			return types.JobInProgress, nil
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// the server subscribes before accepting, so these are not lost
	pub.Emit(ctx, types.StageEvent{UID: "job-1", Stage: "export", Status: types.EventCompleted})
	pub.Emit(ctx, types.StageEvent{UID: "job-1", Stage: types.StageGeneration, Status: types.EventCompleted})

	var first, last types.StageEvent
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, "export", first.Stage)
	require.NoError(t, wsjson.Read(ctx, conn, &last))
	assert.True(t, last.Terminal())

	_, _, err = conn.Read(ctx)
	var ce websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.StatusNormalClosure, ce.Code)
}

func TestStreamer_FinishedJobGetsTerminalEvent(t *testing.T) {
	pub := newPublisher(t)
	streamer := NewStreamer(pub, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamer.Stream(w, r, "job-2", func(context.Context) (types.JobStatus, error) {
			return types.JobFailed, nil
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var ev types.StageEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "job-2", ev.UID)
	assert.Equal(t, types.EventFailed, ev.Status)
	assert.True(t, ev.Terminal())
}
