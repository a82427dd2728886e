package syncer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// PrimaryStore is the cloud-backed store that owns memos. The mirror only
// reads its change feed and writes back entities that were edited locally.
type PrimaryStore interface {
	// FetchChanges returns every memo not yet delivered under token, in write
	// order, with the token to resume from. An empty token starts from the
	// beginning.
	FetchChanges(ctx context.Context, token string) ([]Memo, string, error)
	// Get returns ErrMemoNotFound for unknown ids
	Get(ctx context.Context, id string) (*Memo, error)
	// Put stores memo as given, LastModified included
	Put(ctx context.Context, memo Memo) error
}

// MemoryPrimary is an in-process PrimaryStore. The token is the write
// sequence number of the last change returned.
type MemoryPrimary struct {
	mu    sync.RWMutex
	seq   int64
	memos map[string]Memo
	// written holds the sequence of the latest write per id
	written map[string]int64
}

// NewMemoryPrimary creates an empty primary store
func NewMemoryPrimary() *MemoryPrimary {
	return &MemoryPrimary{
		memos:   make(map[string]Memo),
		written: make(map[string]int64),
	}
}

func (p *MemoryPrimary) FetchChanges(ctx context.Context, token string) ([]Memo, string, error) {
	var after int64
	if token != "" {
		var err error
		if after, err = strconv.ParseInt(token, 10, 64); err != nil {
			return nil, "", fmt.Errorf("invalid continuation token %q: %w", token, err)
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	type change struct {
		seq  int64
		memo Memo
	}
	var changes []change
	for id, seq := range p.written {
		if seq > after {
			changes = append(changes, change{seq: seq, memo: p.memos[id]})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].seq < changes[j].seq })

	out := make([]Memo, len(changes))
	next := after
	for i, c := range changes {
		out[i] = c.memo
		next = c.seq
	}
	return out, strconv.FormatInt(next, 10), nil
}

func (p *MemoryPrimary) Get(ctx context.Context, id string) (*Memo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	memo, ok := p.memos[id]
	if !ok {
		return nil, fmt.Errorf("memo %s: %w", id, ErrMemoNotFound)
	}
	return &memo, nil
}

func (p *MemoryPrimary) Put(ctx context.Context, memo Memo) error {
	if memo.ID == "" {
		return fmt.Errorf("memo id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	p.memos[memo.ID] = memo
	p.written[memo.ID] = p.seq
	return nil
}
