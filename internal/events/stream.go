package events

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/httputil"
	"github.com/af-corp/meshforge/internal/types"
)

const writeTimeout = 10 * time.Second

// StatusFunc reports the current status of a job.
type StatusFunc func(ctx context.Context) (types.JobStatus, error)

// Streamer serves stage events over websocket.
type Streamer struct {
	pub    *Publisher
	logger *zap.Logger
}

func NewStreamer(pub *Publisher, logger *zap.Logger) *Streamer {
	return &Streamer{pub: pub, logger: logger}
}

// Stream upgrades the request and forwards the events of uid until a
// terminal event is sent or the client leaves. status is checked after the
// subscription is active; a job that already finished gets a single
// terminal event.
func (s *Streamer) Stream(w http.ResponseWriter, r *http.Request, uid string, status StatusFunc) {
	logger := s.logger.With(zap.String("uid", uid))

	sub, err := s.pub.Subscribe(r.Context(), uid)
	if err != nil {
		logger.Error("subscribe to events", zap.Error(err))
		httputil.WriteServiceUnavailableError(w, w.Header().Get(httputil.HeaderRequestID), "event stream unavailable")
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// the client never sends; CloseRead cancels ctx when it disconnects
	ctx := conn.CloseRead(r.Context())

	st, err := status(ctx)
	if err != nil {
		logger.Warn("load job status", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "job status unavailable")
		return
	}
	if st.Terminal() {
		if s.write(ctx, conn, terminalEvent(uid, st)) == nil {
			conn.Close(websocket.StatusNormalClosure, "job finished")
		}
		return
	}

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("receive stage event", zap.Error(err))
				conn.Close(websocket.StatusInternalError, "event stream failed")
			}
			return
		}
		if err := s.write(ctx, conn, ev); err != nil {
			logger.Debug("write stage event", zap.Error(err))
			return
		}
		if ev.Terminal() {
			conn.Close(websocket.StatusNormalClosure, "job finished")
			return
		}
	}
}

func (s *Streamer) write(ctx context.Context, conn *websocket.Conn, ev types.StageEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func terminalEvent(uid string, st types.JobStatus) types.StageEvent {
	status := types.EventCompleted
	if st == types.JobFailed {
		status = types.EventFailed
	}
	return types.StageEvent{UID: uid, Stage: types.StageGeneration, Status: status, At: time.Now().UTC()}
}
