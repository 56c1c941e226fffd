package sweepd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"proxysweep/services/sweepd/chain"
)

func newTestScheduler(t *testing.T, gw chain.Gateway, settings Settings, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return NewScheduler(gw, settings, opts...)
}

func newMemJournal(t *testing.T) *LevelDBJournal {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	journal := NewLevelDBJournal(db)
	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func TestRunTransfersImmediatelyWithoutDelay(t *testing.T) {
	gw := newFakeChain(1200)
	gw.setBalance(alith, 50_000_000)
	journal := newMemJournal(t)
	s := newTestScheduler(t, gw, testSettings(0, alith), WithJournal(journal))

	state, report := s.Run(context.Background(), State{}, 1200)

	calls := gw.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "Proxy.proxy", calls[0].Name())
	require.Equal(t, int64(49_990_000), calls[0].Value.Int64())
	require.Equal(t, int64(10_000), gw.balanceOf(alith))

	// first + length/2 + 1*length
	require.Equal(t, uint64(1000+300+600), state.NextSweepHeight)
	require.Equal(t, state.NextSweepHeight, report.NextSweepHeight)
	require.Len(t, report.Accounts, 1)
	require.Equal(t, OutcomeTransferred, report.Accounts[0].Outcome)
	require.Equal(t, "49990000", report.Accounts[0].Amount)
	require.False(t, report.Deferred)

	entries, err := journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ActionTransfer, entries[0].Action)
	require.Equal(t, alith, entries[0].Account)
	require.Equal(t, "49990000", entries[0].Amount)
	require.Equal(t, report.ID, entries[0].CycleID)
	require.True(t, entries[0].Success)
}

func TestRunIsIdempotentOnceSwept(t *testing.T) {
	gw := newFakeChain(1200)
	gw.setBalance(alith, 50_000_000)
	s := newTestScheduler(t, gw, testSettings(0, alith))

	state, _ := s.Run(context.Background(), State{}, 1200)
	_, report := s.Run(context.Background(), state, 1900)

	require.Len(t, gw.calls(), 1)
	require.Equal(t, OutcomeSkipped, report.Accounts[0].Outcome)
	require.Equal(t, int64(10_000), gw.balanceOf(alith))
}

func TestRunSkipsAccountsAtOrBelowFloor(t *testing.T) {
	gw := newFakeChain(1200)
	gw.setBalance(alith, 10_000)
	gw.setBalance(charleth, 4_000)
	s := newTestScheduler(t, gw, testSettings(0, alith, charleth))

	_, report := s.Run(context.Background(), State{}, 1200)

	require.Empty(t, gw.calls())
	require.Len(t, report.Accounts, 2)
	require.Equal(t, OutcomeSkipped, report.Accounts[0].Outcome)
	require.Equal(t, "0", report.Accounts[0].Sweepable)
	require.Equal(t, OutcomeSkipped, report.Accounts[1].Outcome)
	require.Equal(t, "-6000", report.Accounts[1].Sweepable)
}

func TestRunSweepsEachAccountIndependently(t *testing.T) {
	gw := newFakeChain(1200)
	gw.setBalance(alith, 50_000_000)
	gw.setBalance(charleth, 20_000)
	gw.balanceErr[dorothy] = errors.New("node unavailable")
	s := newTestScheduler(t, gw, testSettings(0, dorothy, alith, charleth))

	_, report := s.Run(context.Background(), State{}, 1200)

	require.Len(t, report.Accounts, 3)
	require.Equal(t, OutcomeFailed, report.Accounts[0].Outcome)
	require.Contains(t, report.Accounts[0].Detail, "node unavailable")
	require.Equal(t, OutcomeTransferred, report.Accounts[1].Outcome)
	require.Equal(t, OutcomeTransferred, report.Accounts[2].Outcome)
	require.Equal(t, "10000", report.Accounts[2].Amount)
	require.Len(t, gw.calls(), 2)
}

func TestRunReportsFailedExtrinsics(t *testing.T) {
	gw := newFakeChain(1200)
	gw.setBalance(alith, 50_000_000)
	gw.failEvents = []chain.Event{{Pallet: "System", Method: "ExtrinsicFailed"}}
	journal := newMemJournal(t)
	s := newTestScheduler(t, gw, testSettings(0, alith), WithJournal(journal))

	state, report := s.Run(context.Background(), State{}, 1200)

	require.Equal(t, OutcomeFailed, report.Accounts[0].Outcome)
	require.Contains(t, report.Accounts[0].Detail, ErrExtrinsicFailed.Error())
	require.Equal(t, int64(50_000_000), gw.balanceOf(alith))
	require.Equal(t, uint64(1900), state.NextSweepHeight)

	entries, err := journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].Success)
	require.NotEmpty(t, entries[0].Error)
}

func TestRunAnnouncesWithDelay(t *testing.T) {
	gw := newFakeChain(1200)
	gw.setBalance(alith, 5_010_000)
	s := newTestScheduler(t, gw, testSettings(100, alith))

	state, report := s.Run(context.Background(), State{}, 1200)

	calls := gw.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "Proxy.announce", calls[0].Name())
	require.Equal(t, OutcomeAnnounced, report.Accounts[0].Outcome)
	require.Equal(t, "5000000", report.Accounts[0].Amount)
	// announce included at 1201
	require.Equal(t, uint64(1301), state.NextSweepHeight)
	require.Equal(t, int64(5_010_000), gw.balanceOf(alith))
	require.Equal(t, []string{dorothy}, gw.announceProxy)
}

func TestRunDefersImmatureAnnouncement(t *testing.T) {
	gw := newFakeChain(480)
	gw.setBalance(alith, 5_010_000)
	gw.announce(alith, 400, 5_010_000, 5_000_000)
	s := newTestScheduler(t, gw, testSettings(100, alith))

	state, report := s.Run(context.Background(), State{}, 480)

	require.Empty(t, gw.calls())
	require.True(t, report.Deferred)
	require.Equal(t, OutcomeDeferred, report.Accounts[0].Outcome)
	require.Equal(t, uint64(500), state.NextSweepHeight)
}

func TestRunDefersToEarliestExecutableHeight(t *testing.T) {
	gw := newFakeChain(450)
	gw.setBalance(alith, 5_010_000)
	gw.setBalance(charleth, 5_010_000)
	gw.announce(alith, 400, 5_010_000, 5_000_000)
	gw.announce(charleth, 380, 5_010_000, 5_000_000)
	s := newTestScheduler(t, gw, testSettings(100, alith, charleth))

	state, report := s.Run(context.Background(), State{}, 450)

	require.Empty(t, gw.calls())
	require.Equal(t, OutcomeDeferred, report.Accounts[0].Outcome)
	require.Equal(t, OutcomeDeferred, report.Accounts[1].Outcome)
	require.Equal(t, uint64(480), state.NextSweepHeight)
}

func TestRunExecutesMatureAnnouncement(t *testing.T) {
	gw := newFakeChain(520)
	gw.setBalance(alith, 5_010_000)
	gw.announce(alith, 400, 5_010_000, 5_000_000)
	journal := newMemJournal(t)
	s := newTestScheduler(t, gw, testSettings(100, alith), WithJournal(journal))

	state, report := s.Run(context.Background(), State{}, 520)

	calls := gw.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "Proxy.proxy_announced", calls[0].Name())
	require.Equal(t, int64(5_000_000), calls[0].Value.Int64())
	require.Equal(t, int64(10_000), gw.balanceOf(alith))
	require.Equal(t, OutcomeTransferred, report.Accounts[0].Outcome)
	require.Equal(t, 1, report.Accounts[0].Executed)
	// nothing announced this cycle
	require.Equal(t, uint64(620), state.NextSweepHeight)

	entries, err := journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ActionExecute, entries[0].Action)
}

func TestRunExecutesThenAnnouncesRemainder(t *testing.T) {
	gw := newFakeChain(520)
	gw.setBalance(alith, 7_010_000)
	gw.announce(alith, 400, 5_010_000, 5_000_000)
	s := newTestScheduler(t, gw, testSettings(100, alith))

	state, report := s.Run(context.Background(), State{}, 520)

	calls := gw.calls()
	require.Len(t, calls, 2)
	require.Equal(t, "Proxy.proxy_announced", calls[0].Name())
	require.Equal(t, "Proxy.announce", calls[1].Name())
	require.Equal(t, OutcomeAnnounced, report.Accounts[0].Outcome)
	require.Equal(t, "2000000", report.Accounts[0].Amount)
	// execute included at 521, announce at 522
	require.Equal(t, uint64(622), state.NextSweepHeight)
}

func TestRunExecutesEveryMatureAnnouncementInOrder(t *testing.T) {
	gw := newFakeChain(520)
	gw.setBalance(alith, 8_010_000)
	gw.announce(alith, 400, 3_010_000, 3_000_000)
	gw.announce(alith, 410, 5_010_000, 5_000_000)
	s := newTestScheduler(t, gw, testSettings(100, alith))

	state, report := s.Run(context.Background(), State{}, 520)

	calls := gw.calls()
	require.Len(t, calls, 2)
	require.Equal(t, "Proxy.proxy_announced", calls[0].Name())
	require.Equal(t, int64(3_000_000), calls[0].Value.Int64())
	require.Equal(t, "Proxy.proxy_announced", calls[1].Name())
	require.Equal(t, int64(5_000_000), calls[1].Value.Int64())
	require.Equal(t, int64(10_000), gw.balanceOf(alith))
	require.Empty(t, gw.pending)

	account := report.Accounts[0]
	require.Equal(t, OutcomeTransferred, account.Outcome)
	require.Equal(t, 2, account.Executed)
	require.Equal(t, "8000000", account.Amount)
	require.Equal(t, uint64(620), state.NextSweepHeight)
}

func TestRunAnnouncesAgainAfterFailedExecution(t *testing.T) {
	gw := newFakeChain(520)
	gw.setBalance(alith, 5_010_000)
	gw.announce(alith, 400, 5_010_000, 5_000_000)
	gw.failCalls["Proxy.proxy_announced"] = []chain.Event{{Pallet: "System", Method: "ExtrinsicFailed"}}
	journal := newMemJournal(t)
	s := newTestScheduler(t, gw, testSettings(100, alith), WithJournal(journal))

	state, report := s.Run(context.Background(), State{}, 520)

	calls := gw.calls()
	require.Len(t, calls, 2)
	require.Equal(t, "Proxy.proxy_announced", calls[0].Name())
	require.Equal(t, "Proxy.announce", calls[1].Name())
	require.Equal(t, int64(5_010_000), gw.balanceOf(alith))

	account := report.Accounts[0]
	require.Equal(t, 1, account.Failed)
	require.Zero(t, account.Executed)
	require.Equal(t, OutcomeAnnounced, account.Outcome)
	// the failed execution did not reduce what is left to sweep
	require.Equal(t, "5000000", account.Sweepable)
	require.Equal(t, "5000000", account.Amount)
	// execute included at 521, announce at 522
	require.Equal(t, uint64(622), state.NextSweepHeight)

	entries, err := journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	outcomes := make(map[string]bool, len(entries))
	for _, entry := range entries {
		outcomes[entry.Action] = entry.Success
	}
	require.Equal(t, map[string]bool{ActionExecute: false, ActionAnnounce: true}, outcomes)
}

func TestRunRetriesAfterFailedAnnounce(t *testing.T) {
	gw := newFakeChain(1200)
	gw.setBalance(alith, 5_010_000)
	gw.failCalls["Proxy.announce"] = []chain.Event{{Pallet: "System", Method: "ExtrinsicFailed"}}
	s := newTestScheduler(t, gw, testSettings(100, alith))

	state, report := s.Run(context.Background(), State{}, 1200)

	require.Len(t, gw.calls(), 1)
	require.Equal(t, OutcomeFailed, report.Accounts[0].Outcome)
	require.Contains(t, report.Accounts[0].Detail, ErrExtrinsicFailed.Error())
	require.Empty(t, gw.pending)
	require.Equal(t, uint64(1200+DefaultRetryWindow), state.NextSweepHeight)
}

func TestRunSkipsAnnouncementWithMismatchedCallHash(t *testing.T) {
	gw := newFakeChain(520)
	gw.setBalance(alith, 5_010_000)
	// announced 4_000_000 while the balance implied 5_000_000
	gw.announce(alith, 400, 5_010_000, 4_000_000)
	s := newTestScheduler(t, gw, testSettings(100, alith))

	state, report := s.Run(context.Background(), State{}, 520)

	calls := gw.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "Proxy.announce", calls[0].Name())
	require.Equal(t, int64(5_010_000), gw.balanceOf(alith))

	account := report.Accounts[0]
	require.Equal(t, 1, account.Mismatched)
	require.Zero(t, account.Executed)
	require.Zero(t, account.Failed)
	require.Equal(t, OutcomeAnnounced, account.Outcome)
	require.Equal(t, uint64(621), state.NextSweepHeight)
}

func TestRunSkipsStaleAnnouncementUntilBalanceRecovers(t *testing.T) {
	gw := newFakeChain(600)
	gw.setBalance(alith, 8_010_000)
	gw.announce(alith, 400, 9_010_000, 9_000_000)
	s := newTestScheduler(t, gw, testSettings(100, alith))

	state, report := s.Run(context.Background(), State{}, 600)
	require.Empty(t, gw.calls())
	require.Equal(t, OutcomeSkipped, report.Accounts[0].Outcome)
	require.Equal(t, 1, report.Accounts[0].Stale)
	require.Equal(t, uint64(700), state.NextSweepHeight)

	state, report = s.Run(context.Background(), state, 700)
	require.Empty(t, gw.calls())
	require.Equal(t, 1, report.Accounts[0].Stale)

	gw.setBalance(alith, 9_510_000)
	_, report = s.Run(context.Background(), state, 800)
	calls := gw.calls()
	require.Len(t, calls, 2)
	require.Equal(t, "Proxy.proxy_announced", calls[0].Name())
	require.Equal(t, int64(9_000_000), calls[0].Value.Int64())
	require.Equal(t, "Proxy.announce", calls[1].Name())
	require.Equal(t, OutcomeAnnounced, report.Accounts[0].Outcome)
	require.Equal(t, "500000", report.Accounts[0].Amount)
}

func TestRunSkipsAccountsWhenAnnouncementsUnavailable(t *testing.T) {
	gw := newFakeChain(1200)
	gw.setBalance(alith, 50_000_000)
	gw.announcementsErr = errors.New("storage unavailable")
	s := newTestScheduler(t, gw, testSettings(100, alith))

	state, report := s.Run(context.Background(), State{}, 1200)

	require.Empty(t, gw.calls())
	require.Equal(t, OutcomeSkipped, report.Accounts[0].Outcome)
	require.Equal(t, uint64(1300), state.NextSweepHeight)
}

func TestRunAbortsWithoutTokenProperties(t *testing.T) {
	gw := newFakeChain(1200)
	gw.setBalance(alith, 50_000_000)
	gw.propsErr = errors.New("rpc down")
	s := newTestScheduler(t, gw, testSettings(0, alith))

	state, report := s.Run(context.Background(), State{NextSweepHeight: 1100}, 1200)

	require.Empty(t, gw.calls())
	require.Empty(t, report.Accounts)
	require.Contains(t, report.Error, "rpc down")
	require.Equal(t, uint64(1300), state.NextSweepHeight)
}

func TestRunFallsBackToRetryWindowWithoutRound(t *testing.T) {
	gw := newFakeChain(1200)
	gw.roundErr = errors.New("rpc down")
	s := newTestScheduler(t, gw, testSettings(0, alith))

	state, _ := s.Run(context.Background(), State{}, 1200)
	require.Equal(t, uint64(1300), state.NextSweepHeight)

	gw.roundErr = nil
	gw.round = chain.Round{Current: 1, First: 0, Length: 0}
	state, _ = s.Run(context.Background(), State{}, 1200)
	require.Equal(t, uint64(1300), state.NextSweepHeight)
}

func TestRunNextHeightNeverPrecedesCurrent(t *testing.T) {
	gw := newFakeChain(5000)
	gw.round = chain.Round{Current: 3, First: 1000, Length: 600}
	s := newTestScheduler(t, gw, testSettings(0, alith))

	state, _ := s.Run(context.Background(), State{}, 5000)
	require.Greater(t, state.NextSweepHeight, uint64(5000))
}

func TestDue(t *testing.T) {
	gw := newFakeChain(1200)
	s := newTestScheduler(t, gw, testSettings(0, alith))

	due, height, err := s.Due(context.Background(), State{})
	require.NoError(t, err)
	require.True(t, due)
	require.Equal(t, uint64(1200), height)

	due, _, err = s.Due(context.Background(), State{NextSweepHeight: 1200})
	require.NoError(t, err)
	require.True(t, due)

	due, _, err = s.Due(context.Background(), State{NextSweepHeight: 1201})
	require.NoError(t, err)
	require.False(t, due)

	gw.heightErr = errors.New("rpc down")
	_, _, err = s.Due(context.Background(), State{})
	require.Error(t, err)
}

func TestRoundTrigger(t *testing.T) {
	round := chain.Round{Current: 10, First: 1000, Length: 600}
	tests := []struct {
		name      string
		frequency float64
		height    uint64
		want      uint64
	}{
		{name: "ahead of height", frequency: 1, height: 1200, want: 1900},
		{name: "fractional frequency", frequency: 0.5, height: 1200, want: 1600},
		{name: "mid round only", frequency: 0, height: 1200, want: 1300},
		{name: "height equals trigger", frequency: 1, height: 1900, want: 2500},
		{name: "several rounds behind", frequency: 1, height: 3100, want: 3700},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, roundTrigger(round, tc.frequency, tc.height))
		})
	}
}
