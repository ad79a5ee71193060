package venue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/perpbox/internal/crypto"
	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/metrics"
)

// Config tunes the gateway client.
type Config struct {
	ChainID           int64
	RequestsPerSecond float64
	Burst             int
	CallTimeout       time.Duration
	Auth              crypto.GatewayAuth
}

// DialFunc opens an RPC client for endpoint.
type DialFunc func(ctx context.Context, endpoint string) (*rpc.Client, error)

// Client implements domain.Venue and domain.VenueStreams over JSON-RPC.
type Client struct {
	cfg     Config
	dial    DialFunc
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.RWMutex
	rpc    *rpc.Client
	signer *crypto.Signer
}

var (
	_ domain.Venue        = (*Client)(nil)
	_ domain.VenueStreams = (*Client)(nil)
)

// New creates a Client. Nothing is dialled until InitializeSession.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.With(slog.String("component", "venue_client")),
	}
	c.dial = c.dialEndpoint
	return c
}

// WithDialer replaces how the client connects, e.g. with rpc.DialInProc.
func (c *Client) WithDialer(d DialFunc) *Client {
	c.dial = d
	return c
}

// InitializeSession dials the gateway and authenticates with a signed
// SessionAuth message. The authority defaults to the signer address.
func (c *Client) InitializeSession(ctx context.Context, creds domain.Credentials, endpoint string) (*domain.Session, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("venue: endpoint required: %w", domain.ErrConfiguration)
	}
	if creds.PrivateKeyHex == "" {
		return nil, fmt.Errorf("venue: private key required: %w", domain.ErrConfiguration)
	}
	signer, err := crypto.NewSigner(creds.PrivateKeyHex, c.cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("venue: %w: %w", domain.ErrConfiguration, err)
	}
	authority := creds.Authority
	if authority == "" {
		authority = signer.Address().Hex()
	}

	client, err := c.dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("venue: dial %s: %w: %w", endpoint, domain.ErrVenueUnavailable, err)
	}

	ts := time.Now().Unix()
	sig, err := signer.SignSession(authority, ts)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("venue: %w: %w", domain.ErrSigningFailed, err)
	}

	var sess SessionWire
	if err := c.callWith(ctx, client, &sess, "authenticate", authority, ts, sig); err != nil {
		client.Close()
		return nil, err
	}
	if sess.Authority == "" {
		sess.Authority = authority
	}

	c.mu.Lock()
	old := c.rpc
	c.rpc, c.signer = client, signer
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.logger.InfoContext(ctx, "venue_client: session initialized",
		slog.String("authority", sess.Authority),
		slog.String("signer", signer.Address().Hex()),
	)
	return &domain.Session{Authority: sess.Authority, Endpoint: endpoint}, nil
}

// GetOracleData returns nil when the gateway has no price for market yet.
func (c *Client) GetOracleData(ctx context.Context, marketIndex int) (*domain.OracleData, error) {
	var out *OracleWire
	if err := c.call(ctx, &out, "getOracleData", marketIndex); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.ToDomain(), nil
}

// GetOpenPositionsRaw returns nil while the gateway's account cache is cold.
func (c *Client) GetOpenPositionsRaw(ctx context.Context, user string) (*domain.RawAccount, error) {
	var out *domain.RawAccount
	if err := c.call(ctx, &out, "getUserAccount", user); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitNonMarketOrder asks the gateway to build a limit order transaction.
func (c *Client) SubmitNonMarketOrder(ctx context.Context, order domain.NonMarketOrder) (domain.Transaction, error) {
	var tx domain.Transaction
	if err := c.call(ctx, &tx, "buildPlaceOrder", order); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// SubmitMarketOrder asks the gateway to build a market order transaction.
func (c *Client) SubmitMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.Transaction, error) {
	var tx domain.Transaction
	if err := c.call(ctx, &tx, "buildMarketOrder", order); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// SignAndSend signs a standard transaction locally and relays it. Delegated
// transactions are refused.
func (c *Client) SignAndSend(ctx context.Context, tx domain.Transaction) (domain.TxReceipt, error) {
	if tx.Kind != domain.TxKindStandard {
		return domain.TxReceipt{}, fmt.Errorf("venue: transaction kind %q: %w", tx.Kind, domain.ErrUnsupportedTransactionType)
	}
	c.mu.RLock()
	signer := c.signer
	c.mu.RUnlock()
	if signer == nil {
		return domain.TxReceipt{}, fmt.Errorf("venue: sign: %w", domain.ErrNotInitialized)
	}

	sig, err := signer.SignTransaction(string(tx.Kind), tx.Payload)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("venue: %w: %w", domain.ErrSigningFailed, err)
	}
	var receipt string
	if err := c.call(ctx, &receipt, "sendTransaction", string(tx.Kind), hexutil.Bytes(tx.Payload), sig); err != nil {
		return domain.TxReceipt{}, err
	}
	return domain.TxReceipt{Signature: receipt}, nil
}

// SubscribeMarkPrice streams the mark price of marketIndex.
func (c *Client) SubscribeMarkPrice(ctx context.Context, marketIndex int, fn func(price float64)) (func(), error) {
	return subscribe(ctx, c, SubMarkPrice, marketIndex, func(raw int64) { fn(domain.FromPriceUnits(raw)) })
}

// SubscribeOraclePrice streams the oracle price of marketIndex.
func (c *Client) SubscribeOraclePrice(ctx context.Context, marketIndex int, fn func(price float64)) (func(), error) {
	return subscribe(ctx, c, SubOraclePrice, marketIndex, func(raw int64) { fn(domain.FromPriceUnits(raw)) })
}

// SubscribeAccount streams account updates for user.
func (c *Client) SubscribeAccount(ctx context.Context, user string, fn func(acct domain.RawAccount)) (func(), error) {
	return subscribe(ctx, c, SubAccount, user, fn)
}

// Close drops the gateway connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

func subscribe[T any](ctx context.Context, c *Client, name string, arg any, fn func(T)) (func(), error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	ch := make(chan T, 16)
	sub, err := client.Subscribe(ctx, Namespace, ch, name, arg)
	if err != nil {
		return nil, wrapCallErr("subscribe "+name, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case v := <-ch:
				fn(v)
			case err := <-sub.Err():
				if err != nil {
					c.logger.Warn("venue_client: subscription ended",
						slog.String("subscription", name),
						slog.String("error", err.Error()),
					)
				}
				return
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Unsubscribe()
			close(done)
		})
	}, nil
}

func (c *Client) client() (*rpc.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rpc == nil {
		return nil, fmt.Errorf("venue: %w", domain.ErrNotInitialized)
	}
	return c.rpc, nil
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return c.callWith(ctx, client, result, method, args...)
}

func (c *Client) callWith(ctx context.Context, client *rpc.Client, result any, method string, args ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("venue: %s: rate limit wait: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := client.CallContext(ctx, result, Namespace+"_"+method, args...)
	metrics.VenueCallSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		return wrapCallErr(method, err)
	}
	return nil
}

// wrapCallErr maps gateway-reported errors onto domain sentinels and tags
// everything else as the venue being unavailable.
func wrapCallErr(method string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeInvalidOrder:
			return fmt.Errorf("venue: %s: %w: %w", method, domain.ErrInvalidOrder, err)
		case codeUnauthorized:
			return fmt.Errorf("venue: %s: %w: %w", method, domain.ErrUnauthorized, err)
		case codeRateLimited:
			return fmt.Errorf("venue: %s: %w: %w", method, domain.ErrRateLimited, err)
		}
		return fmt.Errorf("venue: %s: %w", method, err)
	}
	return fmt.Errorf("venue: %s: %w: %w", method, domain.ErrVenueUnavailable, err)
}

// Gateway error codes.
const (
	codeInvalidOrder = -32010
	codeUnauthorized = -32011
	codeRateLimited  = -32012
)

// CodeFor returns the gateway error code for a domain error, for servers
// that want the client to recover the sentinel.
func CodeFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		return codeInvalidOrder
	case errors.Is(err, domain.ErrUnauthorized):
		return codeUnauthorized
	case errors.Is(err, domain.ErrRateLimited):
		return codeRateLimited
	}
	return -32000
}

func (c *Client) dialEndpoint(ctx context.Context, endpoint string) (*rpc.Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	var opts []rpc.ClientOption
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		if c.cfg.Auth.Enabled() {
			h := http.Header{}
			for k, v := range c.cfg.Auth.Headers(http.MethodGet, u.EscapedPath(), nil) {
				h.Set(k, v)
			}
			opts = append(opts, rpc.WithHeaders(h))
		}
	case "http", "https":
		if c.cfg.Auth.Enabled() {
			opts = append(opts, rpc.WithHTTPClient(&http.Client{
				Transport: &signingTransport{auth: c.cfg.Auth, next: http.DefaultTransport},
			}))
		}
	}
	return rpc.DialOptions(ctx, endpoint, opts...)
}

// signingTransport adds gateway HMAC headers to every HTTP request.
type signingTransport struct {
	auth crypto.GatewayAuth
	next http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	for k, v := range t.auth.Headers(req.Method, req.URL.EscapedPath(), body) {
		out.Header.Set(k, v)
	}
	return t.next.RoundTrip(out)
}
