package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"unsaid/internal/notify"
)

const streamWriteTimeout = 5 * time.Second

// registerStream pushes the caller's status changes over a websocket. Polling GET /confessions stays authoritative.
func registerStream(r chi.Router, streamPath string, hub *notify.Hub, origins []string, logger logrus.FieldLogger) {
	r.Get(streamPath, func(w http.ResponseWriter, req *http.Request) {
		id, authErr := currentIdentity(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if hub == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "unavailable", "status stream disabled", nil))
			return
		}
		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: origins})
		if err != nil {
			logger.WithError(err).Debug("Websocket upgrade failed")
			return
		}
		defer conn.CloseNow()

		sub := hub.Subscribe(id.OwnerID)
		defer sub.Close()
		log := logger.WithField("owner_id", id.OwnerID)
		log.Debug("Status stream opened")

		ctx := conn.CloseRead(req.Context())
		for {
			select {
			case <-ctx.Done():
				log.Debug("Status stream closed by client")
				return
			case change, ok := <-sub.C():
				if !ok {
					conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				if err := writeChange(ctx, conn, change); err != nil {
					log.WithError(err).Debug("Status stream write failed")
					return
				}
			}
		}
	})
}

func writeChange(ctx context.Context, conn *websocket.Conn, change notify.StatusChange) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, change)
}
