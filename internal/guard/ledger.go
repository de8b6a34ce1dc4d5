package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/basket/go-steward/internal/persistence"
)

// Ledger stores Daily Spend Records. UpdateSpend must run fn and persist its
// mutation as one serializable step, writing nothing when fn fails.
type Ledger interface {
	ReadSpend(ctx context.Context, dayKey string) (*persistence.SpendRecord, error)
	UpdateSpend(ctx context.Context, dayKey string, fn func(rec *persistence.SpendRecord) error) error
}

var _ Ledger = (*persistence.Store)(nil)

const lockRetryDelay = 25 * time.Millisecond

// FileLedger keeps the current day's record in a JSON file. Access is
// serialized across processes with an advisory lock on "<path>.lock" and
// writes go through a temp file and rename.
type FileLedger struct {
	path string
	mu   sync.Mutex
}

func NewFileLedger(path string) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &FileLedger{path: path}, nil
}

func (l *FileLedger) Path() string { return l.path }

func (l *FileLedger) ReadSpend(ctx context.Context, dayKey string) (*persistence.SpendRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock := flock.New(l.path + ".lock")
	if _, err := lock.TryRLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return l.load(dayKey)
}

func (l *FileLedger) UpdateSpend(ctx context.Context, dayKey string, fn func(rec *persistence.SpendRecord) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock := flock.New(l.path + ".lock")
	if _, err := lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	rec, err := l.load(dayKey)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	rec.DayKey = dayKey
	return l.store(rec)
}

// load returns the stored record, or a zeroed one when the file is missing
// or belongs to another day.
func (l *FileLedger) load(dayKey string) (*persistence.SpendRecord, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return persistence.NewSpendRecord(dayKey), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	var rec persistence.SpendRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", l.path, err)
	}
	if rec.DayKey != dayKey {
		return persistence.NewSpendRecord(dayKey), nil
	}
	return &rec, nil
}

func (l *FileLedger) store(rec *persistence.SpendRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create ledger temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync ledger temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ledger temp: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
