package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shellipc/channel"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit bounds a single WebSocket message, and so a single frame, on a relayed channel.
const readLimit = 64 << 20

const relayVersion = 1

// relayHello is the first message on a relay connection, sent by the relay before any frames.
type relayHello struct {
	Version int
	Channel string
}

// RelayServer runs one channel per WebSocket connection, for runtimes that cannot be spawned as a child.
//
// The protocol is:
//
//  1. The runtime polls GET /heartbeat until the relay is up.
//  2. The runtime opens a WebSocket connection at GET /channel.
//  3. The relay sends a JSON hello naming the channel.
//  4. From then on every text message carries frames, exactly as on stdio.
type RelayServer struct {
	Log *zap.Logger
	// Options returns the options for the channel of a new connection, such as its handlers.
	Options func(id string) []channel.Option

	httpServer *http.Server

	mut      sync.Mutex
	channels map[string]*channel.Channel
}

func (s *RelayServer) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Router returns the relay's HTTP routes.
func (s *RelayServer) Router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/channel", s.channel)
	return router
}

// Run listens on addr and serves until Stop is called.
func (s *RelayServer) Run(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	server := &http.Server{Handler: s.Router()}
	s.mut.Lock()
	s.httpServer = server
	s.mut.Unlock()
	s.log().Sugar().Named("relay").Debugw("relay listening", "Addr", l.Addr().String())

	err = server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and every relayed channel.
func (s *RelayServer) Stop() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}
	for _, ch := range s.channels {
		ch.Close()
	}
	return err
}

// Active returns the number of channels currently served.
func (s *RelayServer) Active() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.channels)
}

func (s *RelayServer) track(ch *channel.Channel) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.channels == nil {
		s.channels = map[string]*channel.Channel{}
	}
	s.channels[ch.ID()] = ch
}

func (s *RelayServer) untrack(ch *channel.Channel) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.channels, ch.ID())
}

type heartbeatResponse struct {
	Channels int
}

func (s *RelayServer) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(heartbeatResponse{Channels: s.Active()})
	if err != nil {
		s.log().Sugar().Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *RelayServer) channel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	log := s.log().Sugar().Named("relay")
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)

	id := uuid.NewString()
	log = log.With("Channel", id)

	ctx := r.Context()
	if err := wsjson.Write(ctx, wsConn, relayHello{Version: relayVersion, Channel: id}); err != nil {
		log.Debugf("error sending hello: %s", err)
		wsConn.Close(websocket.StatusInternalError, "sending hello")
		return
	}

	var opts []channel.Option
	if s.Options != nil {
		opts = s.Options(id)
	}
	opts = append([]channel.Option{channel.WithLogger(s.log())}, opts...)
	opts = append(opts, channel.WithID(id))

	conn := websocket.NetConn(ctx, wsConn, websocket.MessageText)
	ch := channel.New(conn, conn, opts...)
	s.track(ch)
	defer s.untrack(ch)
	log.Debug("serving relayed channel")

	err = ch.Serve(ctx)
	if err != nil {
		log.Debugw("relayed channel failed", "Error", err)
		wsConn.Close(websocket.StatusPolicyViolation, "malformed frame")
		return
	}
	log.Debug("relayed channel done")
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// RelayClient is the runtime's side of a relay.
type RelayClient struct {
	Logger *zap.SugaredLogger
	// HTTPClient retries failed requests.
	HTTPClient *http.Client

	log          *zap.Logger
	baseURL      string
	dialClient   *http.Client
	waitInterval time.Duration
	customize    func(*retryablehttp.Client)
}

type RelayClientOption func(c *RelayClient)

func WithWaitInterval(d time.Duration) RelayClientOption {
	return func(c *RelayClient) {
		c.waitInterval = d
	}
}

func WithRelayLogger(l *zap.Logger) RelayClientOption {
	return func(c *RelayClient) {
		c.log = l
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) RelayClientOption {
	return func(c *RelayClient) {
		c.customize = f
	}
}

// NewRelayClient constructs a client for the relay at baseURL, such as "http://127.0.0.1:8080".
func NewRelayClient(baseURL string, opts ...RelayClientOption) *RelayClient {
	c := &RelayClient{
		log:          zap.NewNop(),
		baseURL:      baseURL,
		dialClient:   &http.Client{},
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Logger = c.log.Named("relay_client").Sugar()

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = c.dialClient
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customize != nil {
		c.customize(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *RelayClient) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForRelay polls the relay's heartbeat until it answers or ctx is done.
func (c *RelayClient) WaitForRelay(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		err := c.SendHeartbeat(ctx)
		if err == nil {
			c.Logger.Debug("heartbeat succeeded, done waiting for relay")
			return nil
		}
		c.Logger.Debugf("got heartbeat error: %s", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dial opens a relayed channel. The caller must Serve it.
func (c *RelayClient) Dial(ctx context.Context, opts ...channel.Option) (*channel.Channel, error) {
	u := c.baseURL + "/channel"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.dialClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	var hello relayHello
	if err := wsjson.Read(ctx, wsConn, &hello); err != nil {
		wsConn.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("reading relay hello: %w", err)
	}
	if hello.Version != relayVersion {
		wsConn.Close(websocket.StatusProtocolError, "unsupported version")
		return nil, fmt.Errorf("unsupported relay version %d", hello.Version)
	}

	// the conn outlives ctx, which only bounds the handshake
	conn := websocket.NetConn(context.Background(), wsConn, websocket.MessageText)
	opts = append([]channel.Option{channel.WithLogger(c.log)}, opts...)
	opts = append(opts, channel.WithID(hello.Channel))
	return channel.New(conn, conn, opts...), nil
}
