// Package memstore is the in-memory paysession.Store. State is process
// local and discarded on exit.
//
// One RWMutex guards the table. Signing during Create happens before the
// lock is taken, so a slow signer never blocks readers.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/up2itnow0822/clawpay-mcp/paysession"
	"github.com/up2itnow0822/clawpay-mcp/sessiontoken"
)

var _ paysession.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c paysession.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.now = c
		}
	}
}

// WithTTLPolicy overrides the TTL bounds.
func WithTTLPolicy(p paysession.TTLPolicy) Option {
	return func(s *Store) { s.ttl = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

type entry struct {
	rec *paysession.Record
	seq uint64
}

// Store keeps session records in a map with creation order preserved.
type Store struct {
	signer sessiontoken.Signer
	ttl    paysession.TTLPolicy
	now    paysession.Clock
	log    *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	seq     uint64
}

// New returns an empty Store that signs tokens with signer.
func New(signer sessiontoken.Signer, opts ...Option) *Store {
	s := &Store{
		signer:  signer,
		ttl:     paysession.DefaultTTLPolicy(),
		now:     time.Now,
		log:     slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context, opts paysession.CreateOptions) (*paysession.Record, error) {
	start := time.Now()
	scope := opts.Scope
	if scope == "" {
		scope = paysession.ScopePrefix
	}
	if !scope.Valid() {
		return nil, paysession.Errorf(paysession.InvalidInput, "unknown scope %q", scope)
	}
	created := s.now().Unix()
	ttl := s.ttl.Clamp(opts.TTLSeconds)
	rec := &paysession.Record{
		SessionID:        uuid.NewString(),
		Endpoint:         opts.Endpoint,
		Scope:            scope,
		WalletAddress:    opts.WalletAddress,
		CreatedAt:        created,
		ExpiresAt:        created + ttl,
		PaymentTxHash:    opts.PaymentTxHash,
		PaymentToken:     opts.PaymentToken,
		PaymentRecipient: opts.PaymentRecipient,
		PaymentNetwork:   opts.PaymentNetwork,
		Label:            opts.Label,
	}
	amount := "0"
	if opts.PaymentAmount != nil {
		rec.PaymentAmount = opts.PaymentAmount.Clone()
		amount = opts.PaymentAmount.Dec()
	}

	tok, sig, err := sessiontoken.Encode(ctx, s.signer, sessiontoken.Payload{
		CreatedAt:     rec.CreatedAt,
		Endpoint:      rec.Endpoint,
		ExpiresAt:     rec.ExpiresAt,
		PaymentAmount: amount,
		PaymentTxHash: rec.PaymentTxHash,
		Scope:         string(rec.Scope),
		SessionID:     rec.SessionID,
		Version:       sessiontoken.Version,
		WalletAddress: rec.WalletAddress,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "store.create.fail", slog.String("endpoint", rec.Endpoint), slog.String("err", err.Error()))
		return nil, fmt.Errorf("creating session: %w", err)
	}
	rec.SessionToken = tok
	rec.Signature = sig

	s.mu.Lock()
	s.seq++
	s.entries[rec.SessionID] = &entry{rec: rec, seq: s.seq}
	s.order = append(s.order, rec.SessionID)
	pruned := s.pruneLocked()
	out := rec.Clone()
	s.mu.Unlock()

	s.log.InfoContext(ctx, "store.create.ok",
		slog.String("session_id", rec.SessionID),
		slog.String("endpoint", rec.Endpoint),
		slog.String("scope", string(rec.Scope)),
		slog.Int64("ttl_s", ttl),
		slog.Int("pruned", pruned),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

func (s *Store) Lookup(sessionID string) paysession.LookupResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return paysession.LookupResult{}
	}
	return paysession.LookupResult{
		Found:   true,
		Record:  e.rec.Clone(),
		Expired: !e.rec.ActiveAt(s.now()),
	}
}

func (s *Store) RecordUse(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return
	}
	e.rec.CallCount++
	e.rec.LastUsedAt = s.now().Unix()
}

func (s *Store) End(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return false
	}
	e.rec.ExpiresAt = 0
	s.log.Info("store.end.ok", slog.String("session_id", sessionID))
	return true
}

func (s *Store) ListActive() []*paysession.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]*paysession.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].rec.Clone())
	}
	return out
}

// FindByURL prefers an exact-scope session for url. Among prefix-scope
// sessions the longest endpoint wins, and equal lengths go to the most
// recently created.
func (s *Store) FindByURL(url string) *paysession.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()

	var exact, prefix *entry
	for _, id := range s.order {
		e := s.entries[id]
		r := e.rec
		if !r.ActiveAt(now) || !r.Covers(url) {
			continue
		}
		switch r.Scope {
		case paysession.ScopeExact:
			if exact == nil || e.seq > exact.seq {
				exact = e
			}
		case paysession.ScopePrefix:
			if prefix == nil || len(r.Endpoint) > len(prefix.rec.Endpoint) ||
				(len(r.Endpoint) == len(prefix.rec.Endpoint) && e.seq > prefix.seq) {
				prefix = e
			}
		}
	}
	if exact != nil {
		return exact.rec.Clone()
	}
	if prefix != nil {
		return prefix.rec.Clone()
	}
	return nil
}

// Len is the number of stored records, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) pruneLocked() int {
	now := s.now()
	kept := s.order[:0]
	pruned := 0
	for _, id := range s.order {
		if s.entries[id].rec.ActiveAt(now) {
			kept = append(kept, id)
			continue
		}
		delete(s.entries, id)
		pruned++
	}
	s.order = kept
	return pruned
}
