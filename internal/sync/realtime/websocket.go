package realtime

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// WebSocketFeed subscribes to a realtime endpoint that streams change
// envelopes, one JSON text message per event. The tenant is passed as the
// "tenant" query parameter.
type WebSocketFeed struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	// Buffer bounds the events queued for the reader.
	Buffer int
}

// NewWebSocketFeed creates a feed for endpoint.
func NewWebSocketFeed(endpoint string, header http.Header) *WebSocketFeed {
	return &WebSocketFeed{
		URL:    endpoint,
		Header: header,
		Dialer: websocket.DefaultDialer,
		Buffer: 64,
	}
}

// Subscribe dials the endpoint. A 401 or 403 handshake response is an
// authentication error; any other failure is transient.
func (f *WebSocketFeed) Subscribe(ctx context.Context, tenant string) (Subscription, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid realtime URL", err)
	}
	q := u.Query()
	q.Set("tenant", tenant)
	u.RawQuery = q.Encode()

	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), f.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.Wrap(apperrors.ErrSyncAuthFailed, "realtime handshake rejected", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "realtime dial failed", err)
	}

	sub := newSubscription(f.Buffer)
	sub.onClose = func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go pingLoop(conn, sub)
	go func() {
		sub.end(readLoop(conn, sub))
	}()
	return sub, nil
}

func readLoop(conn *websocket.Conn, sub *subscription) error {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-sub.stop:
				return nil
			default:
			}
			return apperrors.Wrap(apperrors.ErrSyncTransient, "realtime connection lost", err)
		}

		ev, ok, err := DecodeEvent(data)
		if err != nil {
			metrics.RealtimeEvents.WithLabelValues("", "error").Inc()
			logging.Warn("Dropping malformed realtime message",
				map[string]interface{}{"error": err.Error(), "bytes": len(data)})
			continue
		}
		if !ok {
			continue
		}
		if !sub.deliver(ev) {
			return nil
		}
	}
}

func pingLoop(conn *websocket.Conn, sub *subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sub.closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
