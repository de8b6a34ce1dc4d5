package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/basket/go-steward/internal/guard"
	"github.com/basket/go-steward/internal/metrics"
	"github.com/basket/go-steward/internal/shared"
)

// MemoryBroker keeps prepared transactions in process memory.
type MemoryBroker struct {
	ttl time.Duration

	mu      sync.Mutex
	records map[string]*Prepared
}

func NewMemoryBroker(ttl time.Duration) *MemoryBroker {
	return &MemoryBroker{ttl: ClampTTL(ttl), records: map[string]*Prepared{}}
}

func (b *MemoryBroker) Prepare(ctx context.Context, intent guard.TxIntent, preview string) (Ticket, error) {
	p, err := newPrepared(intent, preview, shared.Now(ctx), b.ttl)
	if err != nil {
		return Ticket{}, err
	}
	b.mu.Lock()
	b.records[p.Token] = p
	b.mu.Unlock()
	metrics.Confirmations.WithLabelValues("prepared").Inc()
	return p.ticket(), nil
}

func (b *MemoryBroker) Resolve(ctx context.Context, token string) (*Prepared, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.lookupLocked(shared.Now(ctx), token)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (b *MemoryBroker) MarkUsed(ctx context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.lookupLocked(shared.Now(ctx), token)
	if err != nil {
		return err
	}
	p.Used = true
	metrics.Confirmations.WithLabelValues("marked_used").Inc()
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, token string) (*Prepared, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.lookupLocked(shared.Now(ctx), token)
	if err != nil {
		return nil, err
	}
	if p.Used {
		metrics.Confirmations.WithLabelValues("reuse_rejected").Inc()
		return nil, ErrAlreadyUsed
	}
	p.Used = true
	metrics.Confirmations.WithLabelValues("consumed").Inc()
	cp := *p
	return &cp, nil
}

// lookupLocked evicts token if it has expired.
func (b *MemoryBroker) lookupLocked(now time.Time, token string) (*Prepared, error) {
	p, ok := b.records[token]
	if !ok {
		return nil, ErrNotFound
	}
	if p.expired(now) {
		delete(b.records, token)
		metrics.Confirmations.WithLabelValues("expired").Inc()
		return nil, ErrNotFound
	}
	return p, nil
}

// Len reports the number of stored records, expired ones included until
// they are next looked up.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *MemoryBroker) Close() error { return nil }
