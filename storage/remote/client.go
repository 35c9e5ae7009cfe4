// Package remote implements tablesync.Client over the campus API: reads and writes go through the
// tables endpoints, subscriptions through the realtime websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/tablesync"
	logsvc "github.com/trezcool/campus/services/logger"
	"github.com/trezcool/campus/storage/feed"
)

const (
	defaultHttpTimeout        = 30 * time.Second
	defaultHttpConnectTimeout = 5 * time.Second
	defaultPingInterval       = 30 * time.Second
	handshakeTimeout          = 10 * time.Second
	writeWait                 = 10 * time.Second
)

func defaultHttpClient() *http.Client {
	dialer := &net.Dialer{Timeout: defaultHttpConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: defaultHttpConnectTimeout,
		},
		Timeout: defaultHttpTimeout,
	}
}

type Option func(*Client)

// WithHTTPClient replaces the client of the tables requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPingInterval sets how often subscriptions ping the server. Silent subscriptions die after two intervals.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithLogger(l core.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

type Client struct {
	base         *url.URL
	token        string
	http         *http.Client
	dialer       *websocket.Dialer
	log          core.Logger
	pingInterval time.Duration

	mu   sync.Mutex
	subs map[tablesync.SubscriptionHandle]*subscription
}

var _ tablesync.Client = (*Client)(nil)

// NewClient returns a client of the API at baseURL, authenticated with token.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing base url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("unsupported base url scheme %q", base.Scheme)
	}

	c := &Client{
		base:         base,
		token:        token,
		http:         defaultHttpClient(),
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:          logsvc.NopLogger{},
		pingInterval: defaultPingInterval,
		subs:         make(map[tablesync.SubscriptionHandle]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(scheme string, q url.Values, elem ...string) string {
	u := *c.base
	if scheme != "" {
		u.Scheme = scheme
	}
	u.Path = path.Join(append([]string{u.Path, "/v1"}, elem...)...)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) authHeader() http.Header {
	h := make(http.Header)
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// apiError is a non 2xx response.
type apiError struct {
	Code    int
	Message string
}

func (err *apiError) Error() string {
	return fmt.Sprintf("%d %s", err.Code, err.Message)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshalling body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.Header = c.authHeader()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &tablesync.TransportError{Op: method + " " + req.URL.Path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &tablesync.TransportError{Op: method + " " + req.URL.Path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{Code: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "unmarshalling response")
}

// errorMessage extracts the message of an error body: {"error": "..."}, field errors or plain text.
func errorMessage(body []byte, status string) string {
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		if s := strings.TrimSpace(string(body)); s != "" {
			return s
		}
		return status
	}
	switch t := decoded.(type) {
	case string:
		return t
	case map[string]interface{}:
		if msg, ok := t["error"].(string); ok {
			return msg
		}
		if msg, ok := t["message"].(string); ok {
			return msg
		}
	}
	return strings.TrimSpace(string(body))
}

// Query reads the rows of q through GET /v1/tables/:table.
func (c *Client) Query(ctx context.Context, q tablesync.Query) ([]tablesync.Row, error) {
	params := make(url.Values)
	for _, pred := range q.Filter {
		params.Add(pred.Column, string(pred.Operator)+"."+pred.Value)
	}
	if len(q.Ordering) > 0 {
		params.Set("ordering", core.FormatOrderings(q.Ordering))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var rows []tablesync.Row
	err := c.do(ctx, http.MethodGet, c.endpoint("", params, "tables", q.Table), nil, &rows)
	if err != nil {
		if tablesync.IsTransportError(err) {
			return nil, err
		}
		return nil, tablesync.NewQueryError(q.Table, err)
	}
	return rows, nil
}

// Write inserts (POST), updates (PATCH) or deletes (DELETE) a row.
func (c *Client) Write(ctx context.Context, table string, op tablesync.Op, payload tablesync.Row) (tablesync.Row, error) {
	var (
		method string
		rawURL string
		body   interface{}
	)
	switch op {
	case tablesync.OpInsert:
		method, rawURL, body = http.MethodPost, c.endpoint("", nil, "tables", table), payload
	case tablesync.OpUpdate, tablesync.OpDelete:
		id := payload.ID()
		if id == "" {
			return nil, tablesync.NewWriteError(table, op, errors.New("missing row id"))
		}
		rawURL = c.endpoint("", nil, "tables", table, url.PathEscape(id))
		if op == tablesync.OpUpdate {
			method, body = http.MethodPatch, payload
		} else {
			method = http.MethodDelete
		}
	default:
		return nil, tablesync.NewWriteError(table, op, errors.Errorf("invalid operation %q", op))
	}

	var row tablesync.Row
	if err := c.do(ctx, method, rawURL, body, &row); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound && op != tablesync.OpInsert {
			err = tablesync.ErrRowNotFound
		}
		return nil, tablesync.NewWriteError(table, op, err)
	}
	return row, nil
}

// Subscribe opens a realtime websocket on table and waits for the server's acknowledgement.
func (c *Client) Subscribe(
	ctx context.Context,
	table string,
	filter tablesync.Filter,
	onChange func(),
	onError func(error),
) (tablesync.SubscriptionHandle, error) {
	if err := filter.Validate(); err != nil {
		return "", err
	}
	op := "subscribe " + table

	params := make(url.Values)
	params.Set("table", table)
	for _, pred := range filter {
		params.Add("filter", pred.String())
	}
	scheme := "ws"
	if c.base.Scheme == "https" {
		scheme = "wss"
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint(scheme, params, "realtime"), c.authHeader())
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "status %s", resp.Status)
		}
		return "", &tablesync.TransportError{Op: op, Err: err}
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var ack feed.Message
	if err = conn.ReadJSON(&ack); err != nil || ack.Type != feed.MessageSubscribed || ack.ID == "" {
		_ = conn.Close()
		if err == nil {
			err = errors.Errorf("unexpected %q message", ack.Type)
		}
		return "", &tablesync.TransportError{Op: op, Err: err}
	}

	sub := &subscription{
		client:   c,
		handle:   tablesync.SubscriptionHandle(ack.ID),
		table:    table,
		conn:     conn,
		onChange: onChange,
		onError:  onError,
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[sub.handle] = sub
	c.mu.Unlock()

	go sub.read()
	go sub.ping()
	c.log.Debug(fmt.Sprintf("remote: subscribed to %s (%s) as %s", table, filter, sub.handle))
	return sub.handle, nil
}

// Unsubscribe closes the websocket of h. Unknown handles are ignored.
func (c *Client) Unsubscribe(h tablesync.SubscriptionHandle) error {
	c.mu.Lock()
	sub, ok := c.subs[h]
	delete(c.subs, h)
	c.mu.Unlock()

	if ok {
		sub.close(websocket.CloseNormalClosure)
	}
	return nil
}

// Close drops every subscription without reporting errors.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[tablesync.SubscriptionHandle]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.close(websocket.CloseGoingAway)
	}
	return nil
}

// forget reports whether h was still subscribed.
func (c *Client) forget(h tablesync.SubscriptionHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[h]; !ok {
		return false
	}
	delete(c.subs, h)
	return true
}

type subscription struct {
	client   *Client
	handle   tablesync.SubscriptionHandle
	table    string
	conn     *websocket.Conn
	onChange func()
	onError  func(error)

	once sync.Once
	done chan struct{}
}

func (s *subscription) close(code int) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

func (s *subscription) read() {
	interval := s.client.pingInterval
	extend := func() { _ = s.conn.SetReadDeadline(time.Now().Add(2 * interval)) }
	extend()
	s.conn.SetPingHandler(func(data string) error {
		extend()
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var msg feed.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.fail(err)
			return
		}
		extend()
		if msg.Type == feed.MessageChange && s.onChange != nil {
			s.onChange()
		}
	}
}

// fail reports err unless the subscription was closed on purpose.
func (s *subscription) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if !s.client.forget(s.handle) {
		return
	}
	s.close(websocket.CloseGoingAway)
	s.client.log.Warn(fmt.Sprintf("remote: subscription %s to %s died: %v", s.handle, s.table, err), err)
	if s.onError != nil {
		s.onError(&tablesync.TransportError{Op: "subscription " + s.table, Err: err})
	}
}

// ping is the only writer of data frames.
func (s *subscription) ping() {
	ticker := time.NewTicker(s.client.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(feed.Message{Type: feed.MessagePing}); err != nil {
				s.fail(err)
				return
			}
		}
	}
}
