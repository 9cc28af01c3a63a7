package oracle

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/cloudlearn/corelms/internal/apperr"
)

// memUser is one credential/role record in the in-memory identity stand-in.
type memUser struct {
	role         Role
	passwordHash string
}

// MemoryIdentityOracle is a reference IdentityOracle/AuthorOracle used by
// cmd/server's demo mode and by tests that don't want a real Postgres
// users table. Grounded on the teacher's internal/repository/user_repo.go
// (bcrypt.GenerateFromPassword/CompareHashAndPassword for credentials);
// group/topic access is flattened to direct per-user grants since group
// management itself is an external Non-goal.
type MemoryIdentityOracle struct {
	mu       sync.RWMutex
	users    map[int64]memUser
	access   map[int64]map[int64]bool // userID -> topicID -> group-granted
	managers map[int64]map[int64]bool // userID -> topicID -> can manage/author
}

func NewMemoryIdentityOracle() *MemoryIdentityOracle {
	return &MemoryIdentityOracle{
		users:    make(map[int64]memUser),
		access:   make(map[int64]map[int64]bool),
		managers: make(map[int64]map[int64]bool),
	}
}

// CreateUser registers a user with a bcrypt-hashed password, mirroring
// UserRepository.Create's MinCost hashing (this is a demo stand-in, not a
// production credential store, so MinCost keeps fixture setup fast).
func (o *MemoryIdentityOracle) CreateUser(id int64, role Role, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to hash password")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.users[id] = memUser{role: role, passwordHash: string(hash)}
	return nil
}

// VerifyPassword reports whether password matches the stored hash for id,
// the way UserRepository.ValidatePassword compares via bcrypt.
func (o *MemoryIdentityOracle) VerifyPassword(id int64, password string) (bool, error) {
	o.mu.RLock()
	u, ok := o.users[id]
	o.mu.RUnlock()
	if !ok {
		return false, apperr.New(apperr.CodeNotFound, "user not found")
	}
	err := bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password))
	return err == nil, nil
}

func (o *MemoryIdentityOracle) GrantTopicAccess(userID, topicID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.access[userID] == nil {
		o.access[userID] = make(map[int64]bool)
	}
	o.access[userID][topicID] = true
}

func (o *MemoryIdentityOracle) GrantManage(userID, topicID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.managers[userID] == nil {
		o.managers[userID] = make(map[int64]bool)
	}
	o.managers[userID][topicID] = true
}

func (o *MemoryIdentityOracle) RoleOf(ctx context.Context, userID int64) (Role, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	u, ok := o.users[userID]
	if !ok {
		return "", apperr.New(apperr.CodeNotFound, "user not found")
	}
	return u.role, nil
}

func (o *MemoryIdentityOracle) GroupTopicAccess(ctx context.Context, userID, topicID int64) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.access[userID][topicID], nil
}

func (o *MemoryIdentityOracle) CanManageTopic(ctx context.Context, userID, topicID int64) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if u, ok := o.users[userID]; ok && u.role == RoleAdmin {
		return true, nil
	}
	return o.managers[userID][topicID], nil
}

func (o *MemoryIdentityOracle) CanAccessTopicAsAuthor(ctx context.Context, userID, topicID int64) (bool, error) {
	return o.CanManageTopic(ctx, userID, topicID)
}
