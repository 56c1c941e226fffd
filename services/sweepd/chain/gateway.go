// Package chain provides the node and signing relay access used by sweepd.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrNotFound is returned when a storage entry or block does not exist.
var ErrNotFound = errors.New("chain: not found")

// Gateway captures the chain capabilities the sweeper requires. Reads are
// expected to be idempotent; Submit signs with the proxy authority and blocks
// until the extrinsic is included in a block.
type Gateway interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	// Balance returns the account balance at the supplied height, or at the
	// best block when at is nil.
	Balance(ctx context.Context, account string, at *uint64) (Balance, error)
	Round(ctx context.Context) (Round, error)
	Properties(ctx context.Context) (Properties, error)
	Announcements(ctx context.Context, proxy string) ([]PendingAnnouncement, error)

	TransferCall(destination string, amount *big.Int) (Call, error)
	ProxyCall(real string, inner Call) (Call, error)
	AnnounceCall(real string, callHash [32]byte) (Call, error)
	ProxyAnnouncedCall(delegate, real string, inner Call) (Call, error)

	Submit(ctx context.Context, call Call) (Receipt, error)
}

// Balance holds the free and reserved amounts of an account in the smallest
// denomination.
type Balance struct {
	Free     *big.Int
	Reserved *big.Int
}

// Total returns free + reserved. Nil components count as zero.
func (b Balance) Total() *big.Int {
	total := new(big.Int)
	if b.Free != nil {
		total.Add(total, b.Free)
	}
	if b.Reserved != nil {
		total.Add(total, b.Reserved)
	}
	return total
}

// Round mirrors the staking round metadata.
type Round struct {
	Current uint32
	First   uint64
	Length  uint64
}

// Properties describes the native token of the chain.
type Properties struct {
	TokenSymbol   string
	TokenDecimals uint32
}

// DecimalsFactor returns 10^TokenDecimals.
func (p Properties) DecimalsFactor() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.TokenDecimals)), nil)
}

// PendingAnnouncement is a raw Proxy.Announcements record of the delegate.
type PendingAnnouncement struct {
	Real     string
	CallHash [32]byte
	Height   uint64
}

// Event is a runtime event emitted by an included extrinsic.
type Event struct {
	Pallet     string         `json:"pallet"`
	Method     string         `json:"method"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Is reports whether the event matches the pallet and method, ignoring case.
func (e Event) Is(pallet, method string) bool {
	return strings.EqualFold(e.Pallet, pallet) && strings.EqualFold(e.Method, method)
}

// ResultFailed reports whether the event carries a dispatch result attribute
// holding an error.
func (e Event) ResultFailed() bool {
	value, ok := e.Attributes["result"]
	if !ok {
		return false
	}
	switch v := value.(type) {
	case string:
		return strings.Contains(strings.ToLower(v), "err")
	case map[string]any:
		for key := range v {
			if strings.EqualFold(key, "err") {
				return true
			}
		}
	}
	return false
}

// Receipt describes an included extrinsic.
type Receipt struct {
	ExtrinsicHash string
	BlockHash     string
	Height        uint64
	Events        []Event
}

// SubmissionError reports a failure to get an extrinsic included: the relay or
// node was unreachable, or the extrinsic was rejected before inclusion.
type SubmissionError struct {
	Method string
	Status int
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chain: submit %s: status %d: %v", e.Method, e.Status, e.Err)
	}
	return fmt.Sprintf("chain: submit %s: %v", e.Method, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
