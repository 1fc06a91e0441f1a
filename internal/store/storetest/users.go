package storetest

import (
	"context"
	"strings"
	"sync"

	"github.com/jw6ventures/calremind/internal/store"
)

// Users is an in-memory store.UserRepository.
type Users struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]store.User
}

var _ store.UserRepository = (*Users)(nil)

func NewUsers() *Users {
	return &Users{byID: make(map[int64]store.User)}
}

func (u *Users) lookup(id int64) (store.User, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.byID[id]
	return user, ok
}

func (u *Users) GetByID(ctx context.Context, id int64) (*store.User, error) {
	user, ok := u.lookup(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (u *Users) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, user := range u.byID {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return &user, nil
		}
	}
	return nil, store.ErrNotFound
}

func (u *Users) Create(ctx context.Context, user store.User) (*store.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.byID {
		if strings.EqualFold(existing.Email, user.Email) {
			return nil, store.ErrConflict
		}
	}
	if user.Role == "" {
		user.Role = store.RoleUser
	}
	u.nextID++
	user.ID = u.nextID
	u.byID[user.ID] = user
	return &user, nil
}
