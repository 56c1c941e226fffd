package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Client implements Gateway on top of a node RPC endpoint, a call builder and
// the signing relay.
type Client struct {
	rpc   *RPC
	calls *CallBuilder
	relay *Relay
}

var _ Gateway = (*Client)(nil)

// NewClient wires the gateway components together.
func NewClient(rpc *RPC, calls *CallBuilder, relay *Relay) *Client {
	if calls == nil {
		calls = NewCallBuilder(DefaultCallIndices, false)
	}
	return &Client{rpc: rpc, calls: calls, relay: relay}
}

// CurrentHeight returns the best block number.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	return c.rpc.BestHeight(ctx)
}

// Balance reads System.Account for the account. Accounts without a storage
// entry report a zero balance.
func (c *Client) Balance(ctx context.Context, account string, at *uint64) (Balance, error) {
	id, err := ParseAccount(account)
	if err != nil {
		return Balance{}, err
	}
	blockHash := ""
	if at != nil {
		blockHash, err = c.rpc.BlockHash(ctx, *at)
		if err != nil {
			return Balance{}, fmt.Errorf("block hash at %d: %w", *at, err)
		}
	}
	raw, err := c.rpc.Storage(ctx, systemAccountKey(id), blockHash)
	if errors.Is(err, ErrNotFound) {
		return Balance{Free: new(big.Int), Reserved: new(big.Int)}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("read account %s: %w", account, err)
	}
	return decodeAccountInfo(raw)
}

// Round reads ParachainStaking.Round.
func (c *Client) Round(ctx context.Context) (Round, error) {
	raw, err := c.rpc.Storage(ctx, stakingRoundKey(), "")
	if err != nil {
		return Round{}, fmt.Errorf("read staking round: %w", err)
	}
	return decodeRound(raw)
}

// Properties reads the native token symbol and decimals.
func (c *Client) Properties(ctx context.Context) (Properties, error) {
	return c.rpc.Properties(ctx)
}

// Announcements reads Proxy.Announcements for the delegate.
func (c *Client) Announcements(ctx context.Context, proxy string) ([]PendingAnnouncement, error) {
	id, err := ParseAccount(proxy)
	if err != nil {
		return nil, err
	}
	raw, err := c.rpc.Storage(ctx, proxyAnnouncementsKey(id), "")
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read proxy announcements: %w", err)
	}
	return decodeAnnouncements(raw, len(id))
}

// TransferCall composes the balance transfer.
func (c *Client) TransferCall(destination string, amount *big.Int) (Call, error) {
	return c.calls.Transfer(destination, amount)
}

// ProxyCall wraps inner in an immediate proxy call.
func (c *Client) ProxyCall(real string, inner Call) (Call, error) {
	return c.calls.Proxy(real, inner)
}

// AnnounceCall composes the announcement of a call hash.
func (c *Client) AnnounceCall(real string, callHash [32]byte) (Call, error) {
	return c.calls.Announce(real, callHash)
}

// ProxyAnnouncedCall wraps inner in a proxy_announced call.
func (c *Client) ProxyAnnouncedCall(delegate, real string, inner Call) (Call, error) {
	return c.calls.ProxyAnnounced(delegate, real, inner)
}

// Submit hands the call to the signing relay.
func (c *Client) Submit(ctx context.Context, call Call) (Receipt, error) {
	if c.relay == nil {
		return Receipt{}, &SubmissionError{Method: call.Name(), Err: errors.New("relay not configured")}
	}
	return c.relay.Submit(ctx, call)
}
