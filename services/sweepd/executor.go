package sweepd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"proxysweep/services/sweepd/chain"
)

// ErrExtrinsicFailed indicates the extrinsic was included but its dispatch
// failed (System.ExtrinsicFailed).
var ErrExtrinsicFailed = errors.New("sweepd: extrinsic failed")

// ErrProxyExecutionFailed indicates the proxy extrinsic succeeded but the
// proxied call returned an error (Proxy.ProxyExecuted with an Err result).
var ErrProxyExecutionFailed = errors.New("sweepd: proxied call failed")

// ErrCallHashMismatch indicates the transfer rebuilt from an announcement's
// expected amount does not hash to the announced call hash.
var ErrCallHashMismatch = errors.New("sweepd: announced call hash mismatch")

type cycleIDKey struct{}

func withCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

func cycleIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey{}).(string)
	return id
}

// Executor submits proxied transfers, announcements and announced executions
// through the gateway. Every submission is journalled and counted; failures
// are returned as values and never abort the caller.
type Executor struct {
	gateway     chain.Gateway
	destination string
	proxy       string
	journal     Journal
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewExecutor constructs an executor acting as proxy for the sources in
// settings.
func NewExecutor(gateway chain.Gateway, settings Settings, journal Journal, metrics *Metrics, logger *slog.Logger) *Executor {
	if journal == nil {
		journal = nopJournal{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		gateway:     gateway,
		destination: settings.Destination,
		proxy:       settings.Proxy,
		journal:     journal,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// ProxyTransfer wraps call in Proxy.proxy for source and waits for inclusion.
func (e *Executor) ProxyTransfer(ctx context.Context, call chain.Call, source string) (chain.Receipt, error) {
	wrapped, err := e.gateway.ProxyCall(source, call)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("compose proxy call: %w", err)
	}
	return e.submit(ctx, ActionTransfer, source, call.Value, wrapped)
}

// Announce submits Proxy.announce for the hash of call and returns the height
// of the block that included it.
func (e *Executor) Announce(ctx context.Context, call chain.Call, source string) (uint64, error) {
	announce, err := e.gateway.AnnounceCall(source, call.Hash())
	if err != nil {
		return 0, fmt.Errorf("compose announce call: %w", err)
	}
	receipt, err := e.submit(ctx, ActionAnnounce, source, call.Value, announce)
	if err != nil {
		return 0, err
	}
	return receipt.Height, nil
}

// ExecuteAnnounced rebuilds the transfer announced in ann and executes it
// through Proxy.proxy_announced. Callers must only invoke it once the
// announcement has matured. Nothing is submitted when the rebuilt transfer
// does not match ann.CallHash.
func (e *Executor) ExecuteAnnounced(ctx context.Context, ann Announcement) (chain.Receipt, error) {
	if ann.Expected == nil || ann.Expected.Sign() <= 0 {
		return chain.Receipt{}, fmt.Errorf("announcement for %s at %d has no expected amount: %w",
			ann.Account, ann.AnnouncedHeight, ErrCallHashMismatch)
	}
	transfer, err := e.gateway.TransferCall(e.destination, ann.Expected)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("compose transfer call: %w", err)
	}
	if got := transfer.Hash(); got != ann.CallHash {
		return chain.Receipt{}, fmt.Errorf("announcement for %s at %d: rebuilt 0x%x, announced 0x%x: %w",
			ann.Account, ann.AnnouncedHeight, got, ann.CallHash, ErrCallHashMismatch)
	}
	call, err := e.gateway.ProxyAnnouncedCall(e.proxy, ann.Account, transfer)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("compose proxy_announced call: %w", err)
	}
	return e.submit(ctx, ActionExecute, ann.Account, ann.Expected, call)
}

func (e *Executor) submit(ctx context.Context, action, source string, amount *big.Int, call chain.Call) (chain.Receipt, error) {
	receipt, err := e.gateway.Submit(ctx, call)
	if err == nil {
		err = outcome(receipt)
	}
	e.metrics.RecordSubmission(action, err)

	entry := JournalEntry{
		CycleID:       cycleIDFrom(ctx),
		Account:       source,
		Action:        action,
		Height:        receipt.Height,
		ExtrinsicHash: receipt.ExtrinsicHash,
		BlockHash:     receipt.BlockHash,
		Success:       err == nil,
		RecordedAt:    e.now(),
	}
	if amount != nil {
		entry.Amount = amount.String()
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if jerr := e.journal.Record(ctx, entry); jerr != nil {
		e.logger.Error("journal submission", "account", source, "action", action, "error", jerr)
	}
	if err != nil {
		return receipt, fmt.Errorf("%s for %s: %w", call.Name(), source, err)
	}
	return receipt, nil
}

// outcome classifies an included extrinsic from its complete event list.
func outcome(receipt chain.Receipt) error {
	extrinsicFailed := false
	proxyFailed := false
	for _, event := range receipt.Events {
		switch {
		case event.Is("System", "ExtrinsicFailed"):
			extrinsicFailed = true
		case event.Is("Proxy", "ProxyExecuted") && event.ResultFailed():
			proxyFailed = true
		}
	}
	switch {
	case extrinsicFailed:
		return ErrExtrinsicFailed
	case proxyFailed:
		return ErrProxyExecutionFailed
	default:
		return nil
	}
}
