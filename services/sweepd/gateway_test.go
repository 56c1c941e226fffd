package sweepd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"proxysweep/services/sweepd/chain"
)

const (
	alith     = "0xf24ff3a9cf04c71dbc94d0b566f7a27b94566cac"
	baltathar = "0x3cd0a705a2dc65e5b1e1205896baa2be8a07c6e0"
	charleth  = "0x798d4ba9baf0064ec19eb4f0a1a45785ae9d6dfc"
	dorothy   = "0x773539d4ac0e786233d90a233654ccee26a613d9"
)

type effectKind int

const (
	effectTransfer effectKind = iota + 1
	effectAnnounce
	effectExecute
)

type effect struct {
	kind   effectKind
	real   string
	amount *big.Int
	hash   [32]byte
}

// fakeChain is an in-memory Gateway. Calls are composed with the real builder
// and submissions apply their balance effects, each one included in a new
// block.
type fakeChain struct {
	mu       sync.Mutex
	builder  *chain.CallBuilder
	height   uint64
	props    chain.Properties
	round    chain.Round
	balances map[string]*big.Int
	history  map[string]map[uint64]*big.Int
	pending  []chain.PendingAnnouncement
	effects  map[string]effect

	heightErr        error
	propsErr         error
	roundErr         error
	announcementsErr error
	balanceErr       map[string]error
	submitErr        error
	// failEvents are attached to every receipt; effects are not applied.
	failEvents []chain.Event
	// failCalls does the same for calls with the given Pallet.method name.
	failCalls map[string][]chain.Event
	// heightGate, when set, blocks CurrentHeight until closed after
	// signalling heightEntered.
	heightGate    chan struct{}
	heightEntered chan struct{}
	enterOnce     sync.Once

	submitted      []chain.Call
	announceProxy  []string
	balanceQueries int
}

func newFakeChain(height uint64) *fakeChain {
	return &fakeChain{
		builder:    chain.NewCallBuilder(chain.DefaultCallIndices, false),
		height:     height,
		props:      chain.Properties{TokenSymbol: "GLMR", TokenDecimals: 3},
		round:      chain.Round{Current: 10, First: 1000, Length: 600},
		balances:   make(map[string]*big.Int),
		history:    make(map[string]map[uint64]*big.Int),
		effects:    make(map[string]effect),
		balanceErr: make(map[string]error),
		failCalls:  make(map[string][]chain.Event),
	}
}

func (f *fakeChain) setBalance(account string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = big.NewInt(amount)
}

func (f *fakeChain) balanceOf(account string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return b.Int64()
	}
	return 0
}

// announce records an outstanding announcement of a sweep from real made at
// height, when real held balance.
func (f *fakeChain) announce(real string, height uint64, balance int64, transferred int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.history[real] == nil {
		f.history[real] = make(map[uint64]*big.Int)
	}
	f.history[real][height] = big.NewInt(balance)
	call, err := f.builder.Transfer(baltathar, big.NewInt(transferred))
	if err != nil {
		panic(err)
	}
	f.pending = append(f.pending, chain.PendingAnnouncement{Real: real, CallHash: call.Hash(), Height: height})
}

func (f *fakeChain) calls() []chain.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.Call(nil), f.submitted...)
}

func (f *fakeChain) CurrentHeight(context.Context) (uint64, error) {
	if f.heightGate != nil {
		f.enterOnce.Do(func() { close(f.heightEntered) })
		<-f.heightGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, f.heightErr
}

func (f *fakeChain) Balance(_ context.Context, account string, at *uint64) (chain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceQueries++
	if err := f.balanceErr[account]; err != nil {
		return chain.Balance{}, err
	}
	if at != nil {
		past, ok := f.history[account][*at]
		if !ok {
			return chain.Balance{}, chain.ErrNotFound
		}
		return chain.Balance{Free: new(big.Int).Set(past), Reserved: new(big.Int)}, nil
	}
	free := new(big.Int)
	if b, ok := f.balances[account]; ok {
		free.Set(b)
	}
	return chain.Balance{Free: free, Reserved: new(big.Int)}, nil
}

func (f *fakeChain) Round(context.Context) (chain.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.round, f.roundErr
}

func (f *fakeChain) Properties(context.Context) (chain.Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.props, f.propsErr
}

func (f *fakeChain) Announcements(_ context.Context, proxy string) ([]chain.PendingAnnouncement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announceProxy = append(f.announceProxy, proxy)
	if f.announcementsErr != nil {
		return nil, f.announcementsErr
	}
	return append([]chain.PendingAnnouncement(nil), f.pending...), nil
}

func (f *fakeChain) TransferCall(destination string, amount *big.Int) (chain.Call, error) {
	return f.builder.Transfer(destination, amount)
}

func (f *fakeChain) ProxyCall(real string, inner chain.Call) (chain.Call, error) {
	call, err := f.builder.Proxy(real, inner)
	if err != nil {
		return call, err
	}
	f.register(call, effect{kind: effectTransfer, real: real, amount: inner.Value})
	return call, nil
}

func (f *fakeChain) AnnounceCall(real string, callHash [32]byte) (chain.Call, error) {
	call, err := f.builder.Announce(real, callHash)
	if err != nil {
		return call, err
	}
	f.register(call, effect{kind: effectAnnounce, real: real, hash: callHash})
	return call, nil
}

func (f *fakeChain) ProxyAnnouncedCall(delegate, real string, inner chain.Call) (chain.Call, error) {
	call, err := f.builder.ProxyAnnounced(delegate, real, inner)
	if err != nil {
		return call, err
	}
	f.register(call, effect{kind: effectExecute, real: real, amount: inner.Value, hash: inner.Hash()})
	return call, nil
}

func (f *fakeChain) register(call chain.Call, e effect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.effects[call.Hex()] = e
}

func (f *fakeChain) Submit(_ context.Context, call chain.Call) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, call)
	if f.submitErr != nil {
		return chain.Receipt{}, f.submitErr
	}
	f.height++
	receipt := chain.Receipt{
		ExtrinsicHash: fmt.Sprintf("0x%064x", len(f.submitted)),
		BlockHash:     fmt.Sprintf("0x%064x", f.height),
		Height:        f.height,
		Events:        append([]chain.Event(nil), f.failEvents...),
	}
	receipt.Events = append(receipt.Events, f.failCalls[call.Name()]...)
	if len(receipt.Events) > 0 {
		return receipt, nil
	}
	receipt.Events = append(receipt.Events, chain.Event{Pallet: "System", Method: "ExtrinsicSuccess"})

	e, ok := f.effects[call.Hex()]
	if !ok {
		return receipt, nil
	}
	switch e.kind {
	case effectTransfer:
		f.debit(e.real, e.amount)
	case effectAnnounce:
		if f.history[e.real] == nil {
			f.history[e.real] = make(map[uint64]*big.Int)
		}
		live := new(big.Int)
		if b, ok := f.balances[e.real]; ok {
			live.Set(b)
		}
		f.history[e.real][f.height] = live
		f.pending = append(f.pending, chain.PendingAnnouncement{Real: e.real, CallHash: e.hash, Height: f.height})
	case effectExecute:
		f.debit(e.real, e.amount)
		for i, ann := range f.pending {
			if ann.Real == e.real && ann.CallHash == e.hash {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
				break
			}
		}
	}
	return receipt, nil
}

func (f *fakeChain) debit(account string, amount *big.Int) {
	if amount == nil {
		return
	}
	if b, ok := f.balances[account]; ok {
		b.Sub(b, amount)
	}
}

var _ chain.Gateway = (*fakeChain)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSettings sweeps the sources into baltathar keeping 10 whole tokens,
// which is 10_000 units at three decimals.
func testSettings(delay uint64, sources ...string) Settings {
	return Settings{
		Destination:    baltathar,
		Proxy:          dorothy,
		Sources:        sources,
		Retained:       decimal.NewFromInt(10),
		Delay:          delay,
		RoundFrequency: 1,
		RetryWindow:    DefaultRetryWindow,
	}
}
