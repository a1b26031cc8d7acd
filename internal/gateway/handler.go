package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"chatrelay/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is a deployment concern; stricter checks belong
		// in front of this handler.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// ServeWS authenticates the upgrade request and starts the connection's
// read loop. A bad or missing credential closes the request with a
// generic 401 and no websocket event, so credentials cannot be probed.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	credential := extractCredential(r)

	id, err := g.verifier.Verify(credential)
	if err != nil {
		authFailures.Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, id, g.config.SendBuffer, g.config.WriteTimeout)

	if err := g.registry.Register(conn); err != nil {
		_ = conn.Close()
		return
	}
	g.presence.Connect(id.UserID, id.Username, conn.ID())

	g.log.WithFields(logrus.Fields{
		"user_id": id.UserID,
		"conn_id": conn.ID(),
	}).Info("connection established")

	go g.readLoop(conn)
}

// extractCredential checks the three credential locations in priority
// order: the explicit auth header, the Authorization bearer header,
// then the query parameter.
func extractCredential(r *http.Request) string {
	if token := r.Header.Get("X-Auth-Token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// readLoop owns the connection lifecycle: transport heartbeat, frame
// parsing and dispatch, then presence teardown on exit.
func (g *Gateway) readLoop(conn *Connection) {
	defer func() {
		g.handleDisconnect(conn)
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(g.config.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(g.config.ReadTimeout))
	})

	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(g.config.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.log.WithField("conn_id", conn.ID()).WithError(err).Debug("read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped; the connection stays open.
			continue
		}

		g.dispatch(conn, frame)
	}
}
