package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/keylock"
	"github.com/0xEthamin/hangar-back/internal/mariadb"
	"github.com/0xEthamin/hangar-back/internal/repository"
	"github.com/0xEthamin/hangar-back/pkg/crypto"
)

type stubDatabases struct {
	mu        sync.Mutex
	rows      map[int64]domain.Database
	nextID    int64
	conflicts []string
	deleteErr error
	updateErr error
	unlinked  []int64
}

func newStubDatabases() *stubDatabases {
	return &stubDatabases{rows: map[int64]domain.Database{}}
}

func (r *stubDatabases) CreateDatabase(_ context.Context, db *domain.Database) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conflicts) > 0 {
		c := r.conflicts[0]
		r.conflicts = r.conflicts[1:]
		return &repository.ConflictError{Constraint: c}
	}
	for _, row := range r.rows {
		switch {
		case row.OwnerLogin == db.OwnerLogin:
			return &repository.ConflictError{Constraint: repository.ConstraintDatabaseOwner}
		case row.DatabaseName == db.DatabaseName:
			return &repository.ConflictError{Constraint: repository.ConstraintDatabaseName}
		}
	}
	r.nextID++
	db.ID = r.nextID
	r.rows[db.ID] = *db
	return nil
}

func (r *stubDatabases) GetDatabaseByID(_ context.Context, id int64) (*domain.Database, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &row, nil
}

func (r *stubDatabases) GetDatabaseByOwner(_ context.Context, owner string) (*domain.Database, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.OwnerLogin == owner {
			return &row, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *stubDatabases) ListDatabases(context.Context) ([]domain.Database, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Database, 0, len(r.rows))
	for id := int64(1); id <= r.nextID; id++ {
		if row, ok := r.rows[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *stubDatabases) DatabaseNamesTaken(_ context.Context, name, username string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.DatabaseName == name || row.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (r *stubDatabases) SetDatabaseProject(_ context.Context, id int64, projectID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	row.ProjectID = projectID
	r.rows[id] = row
	return nil
}

func (r *stubDatabases) UnlinkProjectDatabases(_ context.Context, projectID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if row.ProjectID != nil && *row.ProjectID == projectID {
			row.ProjectID = nil
			r.rows[id] = row
			n++
		}
	}
	r.unlinked = append(r.unlinked, projectID)
	return n, nil
}

func (r *stubDatabases) UpdateDatabasePassword(_ context.Context, id int64, encrypted string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	row, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	row.EncryptedPassword = encrypted
	r.rows[id] = row
	return nil
}

func (r *stubDatabases) DeleteDatabase(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.rows[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *stubDatabases) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type fakeServer struct {
	mu        sync.Mutex
	databases map[string]bool
	users     map[string]string
	grants    map[string]string
	calls     int
	grantErr  error
	dropErr   error
	userErr   error
	// passwordErrs fails successive SetPassword calls; nil entries succeed.
	passwordErrs []error
}

func newFakeServer() *fakeServer {
	return &fakeServer{databases: map[string]bool{}, users: map[string]string{}, grants: map[string]string{}}
}

func (s *fakeServer) CreateDatabase(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.databases[name] {
		return fmt.Errorf("database %s: %w", name, mariadb.ErrExists)
	}
	s.databases[name] = true
	return nil
}

func (s *fakeServer) CreateUser(_ context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.userErr != nil {
		return s.userErr
	}
	if _, ok := s.users[username]; ok {
		return fmt.Errorf("user %s: %w", username, mariadb.ErrExists)
	}
	s.users[username] = password
	return nil
}

func (s *fakeServer) GrantAll(_ context.Context, database, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.grantErr != nil {
		return s.grantErr
	}
	s.grants[username] = database
	return nil
}

func (s *fakeServer) SetPassword(_ context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.passwordErrs) > 0 {
		err := s.passwordErrs[0]
		s.passwordErrs = s.passwordErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := s.users[username]; !ok {
		return errors.New("no such user")
	}
	s.users[username] = password
	return nil
}

func (s *fakeServer) DropDatabase(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.dropErr != nil {
		return s.dropErr
	}
	delete(s.databases, name)
	return nil
}

func (s *fakeServer) DropUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.dropErr != nil {
		return s.dropErr
	}
	delete(s.users, username)
	delete(s.grants, username)
	return nil
}

func (s *fakeServer) DatabaseExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.databases[name], nil
}

func (s *fakeServer) UserExists(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok, nil
}

func (s *fakeServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubProjects map[int64]string

func (p stubProjects) GetProjectByID(_ context.Context, id int64) (*domain.Project, error) {
	owner, ok := p[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &domain.Project{ID: id, Name: fmt.Sprintf("p%d", id), Owner: owner}, nil
}

type harness struct {
	svc       *Service
	databases *stubDatabases
	server    *fakeServer
	vault     *crypto.Vault
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	vault, err := crypto.NewVault(crypto.VaultOptions{ActiveSecret: "test-secret"})
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	h := &harness{databases: newStubDatabases(), server: newFakeServer(), vault: vault}
	h.svc = New(Deps{
		Databases: h.databases,
		Projects:  stubProjects{1: "alice", 2: "alice", 3: "bob"},
		Server:    h.server,
		Vault:     vault,
		Locks:     keylock.NewMemory(),
	}, Options{PublicHost: "db.example.com", PublicPort: 3306}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	suffixes := 0
	h.svc.suffix = func() (string, error) {
		suffixes++
		return fmt.Sprintf("s%d", suffixes), nil
	}
	return h
}

func ptr(v int64) *int64 { return &v }
