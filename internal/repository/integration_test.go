//go:build integration

package repository_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hitoshi/bacheca/internal/database"
	"github.com/hitoshi/bacheca/internal/model"
	"github.com/hitoshi/bacheca/internal/repository"
)

var dsn string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "bacheca",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "bacheca_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		panic(err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		panic(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		panic(err)
	}
	dsn = fmt.Sprintf("postgres://bacheca:password@%s:%s/bacheca_test?sslmode=disable", host, port.Port())

	if err := database.RunMigrations(dsn); err != nil {
		_ = container.Terminate(ctx)
		panic(err)
	}

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func openRepos(t *testing.T) (*repository.PostgresPrincipalRepo, *repository.PostgresListingRepo, *repository.PostgresApplicationRepo, *repository.PostgresSessionRepo) {
	t.Helper()
	db, err := database.OpenWithPool(dsn, database.PoolConfig{MaxOpenConns: 32})
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	t.Cleanup(func() { _ = db.Close() })

	return repository.NewPostgresPrincipalRepo(db),
		repository.NewPostgresListingRepo(db),
		repository.NewPostgresApplicationRepo(db),
		repository.NewPostgresSessionRepo(db)
}

func newIdentity(sub string) model.Identity {
	return model.Identity{
		Provider:       model.ProviderGoogle,
		ProviderUserID: sub,
		Email:          sub + "@x.com",
		DisplayName:    "Test " + sub,
	}
}

func TestPrincipalRepo_UpsertAndAssignRole(t *testing.T) {
	ctx := context.Background()
	principals, _, _, _ := openRepos(t)
	sub := "g-" + uuid.NewString()

	now := time.Now()
	first, created, err := principals.Upsert(ctx, newIdentity(sub), now)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, model.RoleUnassigned, first.Role)

	second, created, err := principals.Upsert(ctx, newIdentity(sub), now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.LastAuthenticatedAt.After(first.LastAuthenticatedAt),
		"last_authenticated_at must strictly increase even with the same clock reading")

	var wg sync.WaitGroup
	results := make([]*model.Principal, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role := model.RoleCandidate
			if i%2 == 1 {
				role = model.RoleCompany
			}
			p, err := principals.AssignRole(ctx, first.ID, role)
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	var winners int
	for _, p := range results {
		if p != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent role assignment must win")
}

func TestPrincipalRepo_EmailTakenByOtherProvider(t *testing.T) {
	ctx := context.Background()
	principals, _, _, _ := openRepos(t)

	a := newIdentity("g-" + uuid.NewString())
	_, _, err := principals.Upsert(ctx, a, time.Now())
	require.NoError(t, err)

	b := newIdentity("g-" + uuid.NewString())
	b.Email = a.Email
	_, _, err = principals.Upsert(ctx, b, time.Now())
	assert.ErrorIs(t, err, repository.ErrEmailTaken)
}

// TestApplicationRepo_ConcurrentDuplicates は一意制約により並行応募が1件に絞られることを検証する。
func TestApplicationRepo_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	principals, listings, applications, _ := openRepos(t)

	company, _, err := principals.Upsert(ctx, newIdentity("g-"+uuid.NewString()), time.Now())
	require.NoError(t, err)
	candidate, _, err := principals.Upsert(ctx, newIdentity("g-"+uuid.NewString()), time.Now())
	require.NoError(t, err)

	l := &model.Listing{
		ID:          uuid.NewString(),
		CompanyID:   company.ID,
		Title:       "L1",
		CompanyName: "Acme",
		Description: "Go",
		PublishedAt: time.Now(),
	}
	require.NoError(t, listings.Create(ctx, l))

	const n = 20
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = applications.Create(ctx, &model.Application{
				ID:             uuid.NewString(),
				ListingID:      l.ID,
				PrincipalID:    candidate.ID,
				CandidateEmail: candidate.Email,
				Description:    "apply",
				SubmittedAt:    time.Now(),
			})
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, repository.ErrDuplicate):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)

	stored, err := applications.ListByListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	err = applications.Create(ctx, &model.Application{
		ID:          uuid.NewString(),
		ListingID:   uuid.NewString(),
		PrincipalID: candidate.ID,
		Description: "missing listing",
		SubmittedAt: time.Now(),
	})
	assert.ErrorIs(t, err, repository.ErrReferenceMissing)
}

func TestSessionRepo_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	principals, _, _, sessions := openRepos(t)

	p, _, err := principals.Upsert(ctx, newIdentity("g-"+uuid.NewString()), time.Now())
	require.NoError(t, err)

	live := &model.Session{ID: uuid.NewString(), PrincipalID: p.ID, ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	dead := &model.Session{ID: uuid.NewString(), PrincipalID: p.ID, ExpiresAt: time.Now().Add(-time.Hour), CreatedAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, sessions.Create(ctx, live))
	require.NoError(t, sessions.Create(ctx, dead))

	n, err := sessions.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := sessions.FindByID(ctx, live.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = sessions.FindByID(ctx, dead.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
