package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/jw6ventures/calremind/internal/store"
)

var (
	// ErrInvalidCredentials covers unknown users, wrong passwords and disabled
	// accounts alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidUser        = errors.New("invalid user")
	ErrUserExists         = errors.New("user already exists")
)

const (
	realm             = `Basic realm="calremind"`
	minPasswordLength = 8
)

// Service authenticates API callers against stored users.
type Service struct {
	users store.UserRepository
}

// NewService returns a Service backed by users.
func NewService(users store.UserRepository) *Service {
	return &Service{users: users}
}

// HashPassword returns the bcrypt hash stored in users.password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CreateUser stores a new enabled account. An empty role means RoleUser.
func (s *Service) CreateUser(ctx context.Context, email, password, role string) (*store.User, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil || strings.ContainsAny(email, "<> ") {
		return nil, fmt.Errorf("%w: email %q is not a valid address", ErrInvalidUser, email)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidUser, minPasswordLength)
	}
	switch role {
	case "":
		role = store.RoleUser
	case store.RoleUser, store.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidUser, role)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user, err := s.users.Create(ctx, store.User{Email: email, PasswordHash: hash, Role: role, Enabled: true})
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// EnsureAdmin creates the bootstrap admin unless a user with that email
// already exists. The boolean reports whether a user was created.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (*store.User, bool, error) {
	existing, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if !existing.IsAdmin() {
			log.Printf("[WARN] bootstrap admin %s exists without the admin role", existing.Email)
		}
		return existing, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("lookup admin: %w", err)
	}
	user, err := s.CreateUser(ctx, email, password, store.RoleAdmin)
	if errors.Is(err, ErrUserExists) {
		// Another instance created it first.
		user, err = s.users.GetByEmail(ctx, email)
		if err != nil {
			return nil, false, fmt.Errorf("lookup admin: %w", err)
		}
		return user, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// Authenticate verifies an email and password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !user.Enabled {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// RequireBasicAuth enforces Basic Auth and stores the user in the request
// context.
func (s *Service) RequireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", realm)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		user, err := s.Authenticate(r.Context(), username, password)
		if err != nil {
			if !errors.Is(err, ErrInvalidCredentials) {
				log.Printf("[ERROR] basic auth: %v", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			w.Header().Set("WWW-Authenticate", realm)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireAdmin rejects authenticated users without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if !user.IsAdmin() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
