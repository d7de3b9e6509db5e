// Package testutil はテスト用のインメモリストアを提供する。
// 一意制約と条件付き更新をミューテックスで再現し、PostgreSQL実装と同じ契約を満たす。
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/bacheca/internal/model"
	"github.com/hitoshi/bacheca/internal/repository"
)

// MemStore は全リポジトリインターフェースを実装するインメモリストア。
type MemStore struct {
	mu           sync.Mutex
	principals   map[string]*model.Principal
	sessions     map[string]*model.Session
	listings     map[string]*model.Listing
	applications map[string]*model.Application
	now          func() time.Time
}

// NewMemStore は空のMemStoreを生成する。
func NewMemStore() *MemStore {
	return &MemStore{
		principals:   make(map[string]*model.Principal),
		sessions:     make(map[string]*model.Session),
		listings:     make(map[string]*model.Listing),
		applications: make(map[string]*model.Application),
		now:          time.Now,
	}
}

// SetClock はセッション期限判定に使う時刻関数を差し替える。
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- PrincipalRepository ---

func (s *MemStore) FindByID(_ context.Context, id string) (*model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.principals[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) Upsert(_ context.Context, identity model.Identity, now time.Time) (*model.Principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *model.Principal
	for _, p := range s.principals {
		if p.Provider == identity.Provider && p.ProviderUserID == identity.ProviderUserID {
			existing = p
			continue
		}
		if p.Email == identity.Email {
			return nil, false, repository.ErrEmailTaken
		}
	}

	if existing == nil {
		p := &model.Principal{
			ID:                  uuid.New().String(),
			Provider:            identity.Provider,
			ProviderUserID:      identity.ProviderUserID,
			Email:               identity.Email,
			DisplayName:         identity.DisplayName,
			Role:                model.RoleUnassigned,
			CreatedAt:           now,
			LastAuthenticatedAt: now,
			UpdatedAt:           now,
		}
		s.principals[p.ID] = p
		cp := *p
		return &cp, true, nil
	}

	existing.Email = identity.Email
	existing.DisplayName = identity.DisplayName
	next := existing.LastAuthenticatedAt.Add(time.Microsecond)
	if now.After(next) {
		next = now
	}
	existing.LastAuthenticatedAt = next
	existing.UpdatedAt = now
	cp := *existing
	return &cp, false, nil
}

func (s *MemStore) AssignRole(_ context.Context, id string, role model.Role) (*model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok || p.Role != model.RoleUnassigned {
		return nil, nil
	}
	p.Role = role
	p.UpdatedAt = s.now()
	cp := *p
	return &cp, nil
}

// --- SessionRepository ---

// Sessions はSessionRepositoryとしてのビューを返す。
// FindByIDがPrincipalRepositoryと衝突するため別型で公開する。
func (s *MemStore) Sessions() *MemSessions { return &MemSessions{s: s} }

// Listings はListingRepositoryとしてのビューを返す。
func (s *MemStore) Listings() *MemListings { return &MemListings{s: s} }

// Applications はApplicationRepositoryとしてのビューを返す。
func (s *MemStore) Applications() *MemApplications { return &MemApplications{s: s} }

// MemSessions はMemStoreのセッションビュー。
type MemSessions struct{ s *MemStore }

func (m *MemSessions) Create(_ context.Context, session *model.Session) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *session
	m.s.sessions[session.ID] = &cp
	return nil
}

func (m *MemSessions) FindByID(_ context.Context, id string) (*model.Session, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sess, ok := m.s.sessions[id]
	if !ok || !sess.ExpiresAt.After(m.s.now()) {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (m *MemSessions) DeleteByID(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.sessions, id)
	return nil
}

func (m *MemSessions) DeleteExpired(_ context.Context) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	now := m.s.now()
	for id, sess := range m.s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(m.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Count は保存中のセッション数を返す。
func (m *MemSessions) Count() int {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return len(m.s.sessions)
}

// --- ListingRepository ---

// MemListings はMemStoreの求人ビュー。
type MemListings struct{ s *MemStore }

func (m *MemListings) Create(_ context.Context, listing *model.Listing) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.listings[listing.ID]; ok {
		return repository.ErrDuplicate
	}
	cp := *listing
	m.s.listings[listing.ID] = &cp
	return nil
}

func (m *MemListings) FindByID(_ context.Context, id string) (*model.Listing, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if l, ok := m.s.listings[id]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (m *MemListings) List(_ context.Context, limit int) ([]*model.Listing, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := m.s.collectListings(func(*model.Listing) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemListings) ListByCompany(_ context.Context, companyID string) ([]*model.Listing, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.collectListings(func(l *model.Listing) bool { return l.CompanyID == companyID }), nil
}

func (m *MemListings) Delete(_ context.Context, id, companyID string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	l, ok := m.s.listings[id]
	if !ok || l.CompanyID != companyID {
		return false, nil
	}
	delete(m.s.listings, id)
	for appID, a := range m.s.applications {
		if a.ListingID == id {
			delete(m.s.applications, appID)
		}
	}
	return true, nil
}

func (s *MemStore) collectListings(keep func(*model.Listing) bool) []*model.Listing {
	out := make([]*model.Listing, 0)
	for _, l := range s.listings {
		if keep(l) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out
}

// --- ApplicationRepository ---

// MemApplications はMemStoreの応募ビュー。
type MemApplications struct{ s *MemStore }

func (m *MemApplications) Create(_ context.Context, app *model.Application) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.listings[app.ListingID]; !ok {
		return repository.ErrReferenceMissing
	}
	for _, a := range m.s.applications {
		if a.PrincipalID == app.PrincipalID && a.ListingID == app.ListingID {
			return repository.ErrDuplicate
		}
	}
	cp := *app
	m.s.applications[app.ID] = &cp
	return nil
}

func (m *MemApplications) ListByPrincipal(_ context.Context, principalID string) ([]*model.Application, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.collectApplications(func(a *model.Application) bool { return a.PrincipalID == principalID }), nil
}

func (m *MemApplications) ListByListing(_ context.Context, listingID string) ([]*model.Application, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.collectApplications(func(a *model.Application) bool { return a.ListingID == listingID }), nil
}

// Count は保存中の応募数を返す。
func (m *MemApplications) Count() int {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return len(m.s.applications)
}

func (s *MemStore) collectApplications(keep func(*model.Application) bool) []*model.Application {
	out := make([]*model.Application, 0)
	for _, a := range s.applications {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// compile-time interface check
var (
	_ repository.PrincipalRepository   = (*MemStore)(nil)
	_ repository.SessionRepository     = (*MemSessions)(nil)
	_ repository.ListingRepository     = (*MemListings)(nil)
	_ repository.ApplicationRepository = (*MemApplications)(nil)
)
