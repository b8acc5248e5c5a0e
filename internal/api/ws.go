package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fisaks/algodomo/internal/dispatch"
	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/state"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the token already guards the endpoint
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is one websocket message from the gateway.
type StreamMessage struct {
	Type   string              `json:"type"` // snapshot | state | result
	States []state.EntityState `json:"states,omitempty"`
	State  *state.EntityState  `json:"state,omitempty"`
	ID     string              `json:"id,omitempty"`
	OK     bool                `json:"ok,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// stream sends a snapshot of every entity, then each change. Clients may
// send domo.IncomingCommand messages; each gets a result message.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.core.Cache().Subscribe(wsBuffer)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan StreamMessage, wsBuffer)
	go s.readCommands(ctx, cancel, conn, out)

	if err := writeMessage(conn, StreamMessage{Type: "snapshot", States: s.core.Cache().All()}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		var msg StreamMessage
		select {
		case <-ctx.Done():
			return
		case st, open := <-updates:
			if !open {
				return
			}
			msg = StreamMessage{Type: "state", State: &st}
		case msg = <-out:
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := writeMessage(conn, msg); err != nil {
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func (s *Server) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- StreamMessage) {
	defer cancel()
	for {
		var cmd domo.IncomingCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug("websocket closed", "error", err)
			}
			return
		}
		params := cmd.Params
		if d, ok := dispatch.ParsePulse(cmd.PulseMs); ok {
			if params == nil {
				params = domo.Params{}
			}
			params[domo.ParamPulseMs] = strconv.FormatInt(d.Milliseconds(), 10)
		}
		res := StreamMessage{Type: "result", ID: cmd.ID, OK: true}
		st, err := s.core.Dispatch(ctx, cmd.Entity, cmd.Action, params)
		if err != nil {
			res.OK, res.Error = false, err.Error()
		} else {
			res.State = &st
		}
		select {
		case out <- res:
		case <-ctx.Done():
			return
		}
	}
}
