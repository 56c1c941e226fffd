package sweepd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const journalKeyPrefix = "entry:"

// Journal actions.
const (
	ActionTransfer = "transfer"
	ActionAnnounce = "announce"
	ActionExecute  = "execute"
)

// JournalEntry records one extrinsic submitted on behalf of a source account.
type JournalEntry struct {
	ID            string    `json:"id"`
	CycleID       string    `json:"cycle_id,omitempty"`
	Account       string    `json:"account"`
	Action        string    `json:"action"`
	Amount        string    `json:"amount,omitempty"`
	Height        uint64    `json:"height,omitempty"`
	ExtrinsicHash string    `json:"extrinsic_hash,omitempty"`
	BlockHash     string    `json:"block_hash,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Journal is the audit log of submissions. It is never read back by the
// scheduler.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
	Recent(ctx context.Context, limit int) ([]JournalEntry, error)
	Close() error
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, JournalEntry) error { return nil }

func (nopJournal) Recent(context.Context, int) ([]JournalEntry, error) { return nil, nil }

func (nopJournal) Close() error { return nil }

// LevelDBJournal persists journal entries in LevelDB keyed by record time.
type LevelDBJournal struct {
	db *leveldb.DB
}

// OpenJournal opens the journal at path, or returns a no-op journal when path
// is empty.
func OpenJournal(path string) (Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nopJournal{}, nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve journal path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return NewLevelDBJournal(db), nil
}

// NewLevelDBJournal wraps an open database.
func NewLevelDBJournal(db *leveldb.DB) *LevelDBJournal {
	return &LevelDBJournal{db: db}
}

// Close releases the underlying LevelDB resources.
func (j *LevelDBJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores the entry, assigning an id and timestamp when missing.
func (j *LevelDBJournal) Record(ctx context.Context, entry JournalEntry) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	entry.RecordedAt = entry.RecordedAt.UTC()
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if err := j.db.Put(journalKey(entry.RecordedAt.UnixNano(), entry.ID), payload, nil); err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *LevelDBJournal) Recent(ctx context.Context, limit int) ([]JournalEntry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	if limit <= 0 {
		return nil, nil
	}
	iter := j.db.NewIterator(util.BytesPrefix([]byte(journalKeyPrefix)), nil)
	defer iter.Release()

	entries := make([]JournalEntry, 0, limit)
	for ok := iter.Last(); ok && len(entries) < limit; ok = iter.Prev() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var entry JournalEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("decode journal entry %s: %w", iter.Key(), err)
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

func journalKey(nanos int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", journalKeyPrefix, nanos, id))
}
