package echoapi

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/portal"
	"github.com/trezcool/campus/core/tablesync"
	"github.com/trezcool/campus/storage/database/tables"
	"github.com/trezcool/campus/storage/feed"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	sendBuffer          = 64
)

type realtimeApi struct {
	auth         jwtAuth
	store        *tables.Store
	log          core.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

func registerRealtimeAPI(g *echo.Group, auth jwtAuth, store *tables.Store, logger core.Logger, pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	api := realtimeApi{
		auth:         auth,
		store:        store,
		log:          logger,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browsers cannot set headers on websockets: the token travels in the query string
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.GET("/realtime", api.subscribe)
}

// subscribe streams the writes on ?table= matching the ?filter= predicates, as far as the
// principal of ?access_token= may read them.
func (api *realtimeApi) subscribe(ctx echo.Context) error {
	raw := ctx.QueryParam(accessTokenParam)
	if raw == "" {
		raw = ctx.Request().Header.Get(echo.HeaderAuthorization)
	}
	claims, err := api.auth.parse(raw)
	if err != nil {
		return err
	}
	p, err := claims.Principal()
	if err != nil {
		return errUnauthorized
	}

	tp, err := portal.Lookup(ctx.QueryParam(tableParam))
	if err != nil {
		return errHttpNotFound
	}
	filter, err := tablesync.ParseFilter(ctx.QueryParams()[filterParam]...)
	if err != nil {
		return err
	}
	if filter, err = tp.Constrain(p, filter); err != nil {
		return err
	}

	conn, err := api.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// the upgrader already replied
		return nil
	}
	api.serve(conn, tp.Table, filter, p)
	return nil
}

func (api *realtimeApi) serve(conn *websocket.Conn, table string, filter tablesync.Filter, p identity.Principal) {
	defer func() { _ = conn.Close() }()

	var (
		send     = make(chan feed.Message, sendBuffer)
		overflow = make(chan struct{})
		lost     = make(chan struct{})
		once     sync.Once
		lostOnce sync.Once
	)
	h, err := api.store.SubscribeEvents(table, filter, func(ev feed.Event) {
		select {
		case send <- feed.ChangeMessage(ev, filter):
		default:
			once.Do(func() { close(overflow) })
		}
	}, func(error) {
		lostOnce.Do(func() { close(lost) })
	})
	if err != nil {
		api.log.Error(fmt.Sprintf("realtime: subscribing %s to %s", p.ID, table), err)
		closeConn(conn, websocket.CloseInternalServerErr, "subscription failed")
		return
	}
	defer func() { _ = api.store.Unsubscribe(h) }()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err = conn.WriteJSON(feed.Message{Type: feed.MessageSubscribed, ID: string(h)}); err != nil {
		return
	}

	done := make(chan struct{})
	pings := make(chan struct{}, 1)
	go api.read(conn, done, pings)

	ticker := time.NewTicker(api.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-pings:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(feed.Message{Type: feed.MessagePong}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-overflow:
			// the client resubscribes and refetches
			api.log.Warn(fmt.Sprintf("realtime: %s is too slow on %s, closing", p.ID, table))
			closeConn(conn, websocket.CloseTryAgainLater, "too slow")
			return
		case <-lost:
			// changes may be missed until the feed is back: the client resubscribes and refetches
			api.log.Warn(fmt.Sprintf("realtime: change feed of %s interrupted, closing %s", table, p.ID))
			closeConn(conn, websocket.CloseTryAgainLater, "change feed interrupted")
			return
		case <-done:
			return
		}
	}
}

// read consumes the client frames until the connection fails or stays silent for two ping intervals.
func (api *realtimeApi) read(conn *websocket.Conn, done chan<- struct{}, pings chan<- struct{}) {
	defer close(done)

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(2 * api.pingInterval)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	for {
		var msg feed.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		extend()
		if msg.Type == feed.MessagePing {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
	}
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
