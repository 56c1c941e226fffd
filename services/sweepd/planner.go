package sweepd

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"proxysweep/services/sweepd/chain"
)

// Settings is the validated, immutable sweep configuration consumed by the
// scheduler.
type Settings struct {
	Destination string
	// Proxy is the delegate account the relay signs with.
	Proxy   string
	Sources []string
	// Retained is the floor left on every source account, in whole tokens.
	Retained       decimal.Decimal
	Delay          uint64
	RoundFrequency float64
	RetryWindow    uint64
}

// Floor converts a whole-token floor into the smallest denomination. Fractions
// below the smallest unit are truncated.
func Floor(retained decimal.Decimal, decimals uint32) *big.Int {
	if retained.Sign() <= 0 {
		return new(big.Int)
	}
	return retained.Shift(int32(decimals)).BigInt()
}

// Planner computes sweepable amounts from live balance queries.
type Planner struct {
	gateway chain.Gateway
}

// NewPlanner returns a planner reading balances through gateway.
func NewPlanner(gateway chain.Gateway) *Planner {
	return &Planner{gateway: gateway}
}

// Sweepable returns free + reserved - floor at the best block together with the
// balance it was derived from. A result <= 0 means there is nothing to sweep.
func (p *Planner) Sweepable(ctx context.Context, account string, floor *big.Int) (*big.Int, chain.Balance, error) {
	balance, err := p.gateway.Balance(ctx, account, nil)
	if err != nil {
		return nil, chain.Balance{}, err
	}
	return sweepable(balance, floor), balance, nil
}

// SweepableAt is Sweepable evaluated against the state at a past height.
func (p *Planner) SweepableAt(ctx context.Context, account string, height uint64, floor *big.Int) (*big.Int, error) {
	balance, err := p.gateway.Balance(ctx, account, &height)
	if err != nil {
		return nil, err
	}
	return sweepable(balance, floor), nil
}

func sweepable(balance chain.Balance, floor *big.Int) *big.Int {
	amount := balance.Total()
	if floor != nil {
		amount.Sub(amount, floor)
	}
	return amount
}

// formatAmount renders an amount in whole tokens with two decimals.
func formatAmount(amount *big.Int, props chain.Properties) string {
	if amount == nil {
		amount = new(big.Int)
	}
	value := decimal.NewFromBigInt(amount, -int32(props.TokenDecimals)).StringFixed(2)
	if props.TokenSymbol == "" {
		return value
	}
	return value + " " + props.TokenSymbol
}
