package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/perpbox/internal/crypto"
	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/platform/venue"
)

// gatewayError carries a gateway error code so the client can map it back
// onto a domain sentinel.
type gatewayError struct {
	err error
}

func (e gatewayError) Error() string  { return e.err.Error() }
func (e gatewayError) ErrorCode() int { return venue.CodeFor(e.err) }

// Gateway serves an Exchange under the venue JSON-RPC namespace. Sessions
// are authenticated by recovering the signer of the SessionAuth message and
// every transaction must be signed by an authenticated signer.
type Gateway struct {
	ex        *Exchange
	domainSep []byte

	mu      sync.RWMutex
	signers map[common.Address]bool
}

// NewGateway wraps ex for chainID.
func NewGateway(ex *Exchange, chainID int64) *Gateway {
	return &Gateway{
		ex:        ex,
		domainSep: crypto.DomainSeparator(chainID),
		signers:   make(map[common.Address]bool),
	}
}

// NewServer returns an RPC server with g registered.
func NewServer(g *Gateway) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(venue.Namespace, g); err != nil {
		return nil, fmt.Errorf("paper: register gateway: %w", err)
	}
	return srv, nil
}

// Authenticate implements venue_authenticate.
func (g *Gateway) Authenticate(authority string, timestamp int64, signature string) (*venue.SessionWire, error) {
	addr, err := crypto.RecoverAddress(crypto.SessionDigest(g.domainSep, authority, timestamp), signature)
	if err != nil {
		return nil, gatewayError{fmt.Errorf("paper: %w: %w", domain.ErrUnauthorized, err)}
	}
	g.mu.Lock()
	g.signers[addr] = true
	g.mu.Unlock()
	g.ex.Open(authority)
	return &venue.SessionWire{Authority: authority, Signer: addr.Hex()}, nil
}

// GetOracleData implements venue_getOracleData.
func (g *Gateway) GetOracleData(marketIndex int) (*venue.OracleWire, error) {
	od := g.ex.OracleData(marketIndex)
	if od == nil {
		return nil, nil
	}
	w := venue.OracleFromDomain(*od)
	return &w, nil
}

// GetUserAccount implements venue_getUserAccount.
func (g *Gateway) GetUserAccount(user string) (*domain.RawAccount, error) {
	return g.ex.Account(user), nil
}

// BuildPlaceOrder implements venue_buildPlaceOrder.
func (g *Gateway) BuildPlaceOrder(order domain.NonMarketOrder) (*domain.Transaction, error) {
	tx, err := g.ex.BuildLimit(order)
	if err != nil {
		return nil, gatewayError{err}
	}
	return &tx, nil
}

// BuildMarketOrder implements venue_buildMarketOrder.
func (g *Gateway) BuildMarketOrder(order domain.MarketOrder) (*domain.Transaction, error) {
	tx, err := g.ex.BuildMarket(order)
	if err != nil {
		return nil, gatewayError{err}
	}
	return &tx, nil
}

// SendTransaction implements venue_sendTransaction.
func (g *Gateway) SendTransaction(kind string, payload hexutil.Bytes, signature string) (string, error) {
	if kind != string(domain.TxKindStandard) {
		return "", gatewayError{fmt.Errorf("paper: kind %q: %w", kind, domain.ErrUnsupportedTransactionType)}
	}
	addr, err := crypto.RecoverAddress(crypto.TransactionDigest(g.domainSep, kind, payload), signature)
	if err != nil {
		return "", gatewayError{fmt.Errorf("paper: %w: %w", domain.ErrUnauthorized, err)}
	}
	g.mu.RLock()
	known := g.signers[addr]
	g.mu.RUnlock()
	if !known {
		return "", gatewayError{fmt.Errorf("paper: signer %s has no session: %w", addr.Hex(), domain.ErrUnauthorized)}
	}
	receipt, err := g.ex.Execute(payload)
	if err != nil {
		return "", gatewayError{err}
	}
	return receipt, nil
}

// MarkPrice implements the markPrice subscription.
func (g *Gateway) MarkPrice(ctx context.Context, marketIndex int) (*rpc.Subscription, error) {
	return stream(ctx, func(notify func(any)) func() {
		if od := g.ex.OracleData(marketIndex); od != nil {
			notify(domain.ToPriceUnits(od.MarkPrice))
		}
		return g.ex.WatchMark(marketIndex, func(p float64) { notify(domain.ToPriceUnits(p)) })
	})
}

// OraclePrice implements the oraclePrice subscription.
func (g *Gateway) OraclePrice(ctx context.Context, marketIndex int) (*rpc.Subscription, error) {
	return stream(ctx, func(notify func(any)) func() {
		if od := g.ex.OracleData(marketIndex); od != nil {
			notify(domain.ToPriceUnits(od.Price))
		}
		return g.ex.WatchOracle(marketIndex, func(p float64) { notify(domain.ToPriceUnits(p)) })
	})
}

// Account implements the account subscription.
func (g *Gateway) Account(ctx context.Context, user string) (*rpc.Subscription, error) {
	return stream(ctx, func(notify func(any)) func() {
		if acct := g.ex.Account(user); acct != nil {
			notify(*acct)
		}
		return g.ex.WatchAccount(user, func(a domain.RawAccount) { notify(a) })
	})
}

func stream(ctx context.Context, watch func(notify func(any)) func()) (*rpc.Subscription, error) {
	notifier, ok := rpc.NotifierFromContext(ctx)
	if !ok {
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()
	stop := watch(func(v any) { _ = notifier.Notify(sub.ID, v) })
	go func() {
		<-sub.Err()
		stop()
	}()
	return sub, nil
}
