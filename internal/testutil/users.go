package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"devicelink/internal/model"
)

// UserRepository is an in-memory repository.UserRepository.
type UserRepository struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*model.User
}

func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[int64]*model.User)}
}

// Add stores a user directly and returns it with its ID set.
func (r *UserRepository) Add(email, passwordHash string) *model.User {
	u := &model.User{Email: email, PasswordHashed: passwordHash}
	_ = r.Create(context.Background(), u)
	return u
}

func (r *UserRepository) Create(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return model.ErrEmailExists
		}
	}
	r.nextID++
	u.ID = r.nextID
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	stored := *u
	r.users[u.ID] = &stored
	return nil
}

func (r *UserRepository) GetByID(_ context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (r *UserRepository) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			out := *u
			return &out, nil
		}
	}
	return nil, model.ErrUserNotFound
}

func (r *UserRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := r.GetByEmail(ctx, email)
	return err == nil, nil
}
