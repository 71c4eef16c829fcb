package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/opwarden/internal/kv"
)

// Forwarder receives each appended entry. Implementations must not block;
// forwarding is best effort and never affects the append.
type Forwarder interface {
	Forward(entry Entry)
}

// Chain is an append-only, hash-chained audit log over a kv.Store log.
// Appends are serialized so entries never interleave or fork.
type Chain struct {
	store   kv.Store
	key     string
	forward Forwarder
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	loaded   bool
	nextSeq  int64
	prevHash string
}

// Option configures a Chain.
type Option func(*Chain)

// WithForwarder sends every appended entry to f.
func WithForwarder(f Forwarder) Option {
	return func(c *Chain) { c.forward = f }
}

// WithLogger sets the logger used for forwarding diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithKey stores the chain under a different log key.
func WithKey(key string) Option {
	return func(c *Chain) { c.key = key }
}

// New returns a Chain backed by store. The tail is recovered lazily on
// the first append.
func New(store kv.Store, opts ...Option) *Chain {
	c := &Chain{
		store:    store,
		key:      kv.KeyAuditChain,
		logger:   slog.Default(),
		now:      time.Now,
		prevHash: GenesisHash,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// loadTail reads the last stored entry to continue the chain. Caller holds mu.
func (c *Chain) loadTail(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	lines, err := c.store.ReadLines(ctx, c.key)
	if err != nil {
		return fmt.Errorf("audit: read chain tail: %w", err)
	}
	if n := len(lines); n > 0 {
		var last Entry
		if err := json.Unmarshal(lines[n-1], &last); err != nil {
			return fmt.Errorf("audit: parse chain tail: %w", err)
		}
		c.nextSeq = last.Seq + 1
		c.prevHash = last.Hash
	}
	c.loaded = true
	return nil
}

// Append adds one entry to the chain and returns it as stored.
func (c *Chain) Append(ctx context.Context, rec Record) (Entry, error) {
	c.mu.Lock()
	if err := c.loadTail(ctx); err != nil {
		c.mu.Unlock()
		return Entry{}, err
	}

	entry := Entry{
		Seq:       c.nextSeq,
		Timestamp: c.now().UTC().Format(TimestampFormat),
		PrevHash:  c.prevHash,
		Event:     rec.Event,
		Result:    rec.Result,
		Operation: rec.Operation,
		Target:    rec.Target,
		UserID:    rec.UserID,
		AgentID:   rec.AgentID,
		Source:    rec.Source,
		Reason:    rec.Reason,
		Metadata:  rec.Metadata,
	}
	entry.Hash = ComputeHash(entry)

	line, err := json.Marshal(entry)
	if err != nil {
		c.mu.Unlock()
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if err := c.store.Append(ctx, c.key, line); err != nil {
		c.mu.Unlock()
		return Entry{}, fmt.Errorf("audit: append entry: %w", err)
	}
	c.nextSeq++
	c.prevHash = entry.Hash
	c.mu.Unlock()

	if c.forward != nil {
		c.forward.Forward(entry)
	}
	return entry, nil
}

// Entries returns every stored entry, skipping lines that do not parse.
func (c *Chain) Entries(ctx context.Context) ([]Entry, error) {
	lines, err := c.store.ReadLines(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain: %w", err)
	}
	entries := make([]Entry, 0, len(lines))
	for _, l := range lines {
		var e Entry
		if err := json.Unmarshal(l, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Tail returns the last n entries.
func (c *Chain) Tail(ctx context.Context, n int) ([]Entry, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	return entries[len(entries)-n:], nil
}

// Verify reads the stored chain and validates it.
func (c *Chain) Verify(ctx context.Context) VerifyResult {
	lines, err := c.store.ReadLines(ctx, c.key)
	if err != nil {
		return VerifyResult{Reason: fmt.Sprintf("read chain: %v", err)}
	}
	return VerifyLines(lines)
}
