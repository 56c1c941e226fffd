package sweepd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"proxysweep/services/sweepd/chain"
)

// Announcement is an outstanding Proxy.announce made by the delegate on behalf
// of a source account.
type Announcement struct {
	Account          string
	AnnouncedHeight  uint64
	ExecutableHeight uint64
	// Expected is the amount the announced transfer moves: the sweepable
	// balance of the account at the announced height.
	Expected *big.Int
	CallHash [32]byte
}

// Mature reports whether the announcement may be executed at height.
func (a Announcement) Mature(height uint64) bool {
	return height >= a.ExecutableHeight
}

// Tracker correlates the delegate's on-chain announcements with the
// configured source accounts.
type Tracker struct {
	gateway chain.Gateway
	planner *Planner
	proxy   string
	delay   uint64
	sources map[string]struct{}
	logger  *slog.Logger
}

// NewTracker constructs a tracker for the delegate and sources in settings.
func NewTracker(gateway chain.Gateway, planner *Planner, settings Settings, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	sources := make(map[string]struct{}, len(settings.Sources))
	for _, source := range settings.Sources {
		sources[source] = struct{}{}
	}
	return &Tracker{
		gateway: gateway,
		planner: planner,
		proxy:   settings.Proxy,
		delay:   settings.Delay,
		sources: sources,
		logger:  logger,
	}
}

// Pending returns the outstanding announcements grouped by source account in
// discovery order. A record whose historic balance cannot be read is dropped;
// a failure to read the announcement list itself is returned.
func (t *Tracker) Pending(ctx context.Context, floor *big.Int) (map[string][]Announcement, error) {
	records, err := t.gateway.Announcements(ctx, t.proxy)
	if err != nil {
		return nil, fmt.Errorf("read announcements: %w", err)
	}
	pending := make(map[string][]Announcement)
	for _, record := range records {
		account, err := chain.NormalizeAccount(record.Real)
		if err != nil {
			t.logger.Error("unreadable announcement account", "account", record.Real, "error", err)
			continue
		}
		if _, ok := t.sources[account]; !ok {
			t.logger.Debug("ignoring announcement for unmanaged account", "account", account, "height", record.Height)
			continue
		}
		expected, err := t.planner.SweepableAt(ctx, account, record.Height, floor)
		if err != nil {
			t.logger.Error("read balance at announcement height",
				"account", account, "height", record.Height, "error", err)
			continue
		}
		pending[account] = append(pending[account], Announcement{
			Account:          account,
			AnnouncedHeight:  record.Height,
			ExecutableHeight: record.Height + t.delay,
			Expected:         expected,
			CallHash:         record.CallHash,
		})
	}
	for account, list := range pending {
		if len(list) > 1 {
			t.logger.Warn("multiple outstanding announcements", "account", account, "count", len(list))
		}
	}
	return pending, nil
}
