// Package memory is a process-local implementation of the repository ports.
// It backs dev runs started without Postgres and the handler/use-case tests,
// and mirrors the conditional-update semantics of the Postgres repositories.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"jobelix-api/internal/domain"
	"jobelix-api/internal/domain/model"
	"jobelix-api/internal/domain/ports/repository"
)

var (
	_ repository.BotSessionRepository = (*Store)(nil)
	_ repository.ApiTokenRepository   = (*Store)(nil)
	_ repository.TransactionManager   = (*Store)(nil)
)

type tokenRow struct {
	userID   string
	revoked  bool
	lastUsed *time.Time
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]*model.BotSession
	tokens   map[string]*tokenRow
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*model.BotSession),
		tokens:   make(map[string]*tokenRow),
	}
}

// WithTx runs fn directly; the store's own mutex keeps single calls atomic.
func (s *Store) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, repository.NoTX)
}

// ---- api tokens ----

// AddToken registers a raw token for userID.
func (s *Store) AddToken(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[model.HashToken(token)] = &tokenRow{userID: userID}
}

func (s *Store) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[model.HashToken(token)]; ok {
		t.revoked = true
	}
}

func (s *Store) FindUserIDByTokenHash(_ context.Context, _ repository.Tx, hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok || t.revoked {
		return "", domain.ErrNotFound
	}
	return t.userID, nil
}

func (s *Store) TouchLastUsed(_ context.Context, _ repository.Tx, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[hash]; ok {
		t.lastUsed = &at
	}
	return nil
}

// ---- bot sessions ----

func (s *Store) Create(_ context.Context, _ repository.Tx, bs *model.BotSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[bs.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.sessions[bs.ID] = clone(bs)
	return nil
}

// Put stores a session as-is, whatever its status. Test seeding only.
func (s *Store) Put(bs *model.BotSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[bs.ID] = clone(bs)
}

// Get returns a copy of a session regardless of owner. Test inspection only.
func (s *Store) Get(id string) (*model.BotSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return clone(bs), true
}

func (s *Store) FindByIDForUser(_ context.Context, _ repository.Tx, id, userID string) (*model.BotSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.owned(id, userID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(bs), nil
}

func (s *Store) FindActiveByUser(_ context.Context, _ repository.Tx, userID string) (*model.BotSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bs := range s.byUserNewestFirst(userID) {
		if bs.Status.IsActive() {
			return clone(bs), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ApplyHeartbeat(_ context.Context, _ repository.Tx, id, userID string, u model.HeartbeatUpdate) (model.BotSessionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.owned(id, userID)
	if !ok || bs.Status.IsTerminal() {
		return "", nil
	}
	prev := bs.Status
	bs.Status = model.BotSessionRunning
	at := u.At
	bs.LastHeartbeatAt = &at
	if u.Activity != nil {
		v := *u.Activity
		bs.CurrentActivity = &v
	}
	if len(u.Details) > 0 {
		bs.ActivityDetails = append(json.RawMessage(nil), u.Details...)
	}
	applyStats(bs, u.Stats)
	return prev, nil
}

func (s *Store) MarkFinished(_ context.Context, _ repository.Tx, id, userID string, u model.CompletionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.owned(id, userID)
	if !ok || bs.Status.IsTerminal() {
		return false, nil
	}
	bs.Status = u.Status
	at := u.At
	bs.CompletedAt = &at
	bs.LastHeartbeatAt = &at
	if u.ErrorMessage != nil {
		v := *u.ErrorMessage
		bs.ErrorMessage = &v
	}
	if len(u.ErrorDetails) > 0 {
		bs.ErrorDetails = append(json.RawMessage(nil), u.ErrorDetails...)
	}
	applyStats(bs, u.Stats)
	return true, nil
}

func (s *Store) MarkStopped(_ context.Context, _ repository.Tx, id, userID string, at time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.owned(id, userID)
	if !ok || bs.Status.IsTerminal() {
		return false, nil
	}
	bs.Status = model.BotSessionStopped
	bs.CompletedAt = &at
	bs.ErrorMessage = &reason
	return true, nil
}

func (s *Store) FindLatestSince(_ context.Context, _ repository.Tx, userID string, since time.Time) (*model.BotSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.byUserNewestFirst(userID)
	if len(all) == 0 || all[0].CreatedAt.Before(since) {
		return nil, nil
	}
	return clone(all[0]), nil
}

func (s *Store) SumTotals(_ context.Context, _ repository.Tx, userID string, statuses []model.BotSessionStatus) (model.HistoricalTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[model.BotSessionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var t model.HistoricalTotals
	for _, bs := range s.sessions {
		if bs.UserID != userID || !want[bs.Status] {
			continue
		}
		t.JobsFound += bs.JobsFound
		t.JobsApplied += bs.JobsApplied
		t.JobsFailed += bs.JobsFailed
		t.CreditsUsed += bs.CreditsUsed
	}
	return t, nil
}

func (s *Store) owned(id, userID string) (*model.BotSession, bool) {
	bs, ok := s.sessions[id]
	if !ok || bs.UserID != userID {
		return nil, false
	}
	return bs, true
}

func (s *Store) byUserNewestFirst(userID string) []*model.BotSession {
	var out []*model.BotSession
	for _, bs := range s.sessions {
		if bs.UserID == userID {
			out = append(out, bs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func applyStats(bs *model.BotSession, st model.SessionStats) {
	if st.JobsFound != nil {
		bs.JobsFound = *st.JobsFound
	}
	if st.JobsApplied != nil {
		bs.JobsApplied = *st.JobsApplied
	}
	if st.JobsFailed != nil {
		bs.JobsFailed = *st.JobsFailed
	}
	if st.CreditsUsed != nil {
		bs.CreditsUsed = *st.CreditsUsed
	}
}

func clone(bs *model.BotSession) *model.BotSession {
	cp := *bs
	cp.ActivityDetails = append(json.RawMessage(nil), bs.ActivityDetails...)
	cp.ErrorDetails = append(json.RawMessage(nil), bs.ErrorDetails...)
	if bs.CurrentActivity != nil {
		v := *bs.CurrentActivity
		cp.CurrentActivity = &v
	}
	if bs.ErrorMessage != nil {
		v := *bs.ErrorMessage
		cp.ErrorMessage = &v
	}
	if bs.LastHeartbeatAt != nil {
		v := *bs.LastHeartbeatAt
		cp.LastHeartbeatAt = &v
	}
	if bs.CompletedAt != nil {
		v := *bs.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}
