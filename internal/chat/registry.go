// Package chat implements the broadcast chat room: a registry of unique
// nicknames with per-user message history, and the handlers that mutate it.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNameTaken is returned when registering a nickname already in use.
	ErrNameTaken = errors.New("nickname already taken")
	// ErrUserNotFound is returned when a nickname is not registered.
	ErrUserNotFound = errors.New("user not registered")
	// ErrRoomFull is returned when the registry already holds its maximum.
	ErrRoomFull = errors.New("chat room is full")
)

// User is a chat participant.
type User struct {
	Name     string            `json:"name"`
	Status   bool              `json:"status"`
	Messages []json.RawMessage `json:"messages"`
}

// Registry holds registered users in registration order. Names compare
// case-sensitively.
type Registry struct {
	mu       sync.RWMutex
	users    []*User
	maxUsers int
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithMaxUsers caps the number of registered users. Zero means unlimited.
func WithMaxUsers(n int) RegistryOption {
	return func(r *Registry) { r.maxUsers = n }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds name with an empty history and returns the resulting roster.
func (r *Registry) Register(name string) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(name) >= 0 {
		return nil, fmt.Errorf("register %q: %w", name, ErrNameTaken)
	}
	if r.maxUsers > 0 && len(r.users) >= r.maxUsers {
		return nil, fmt.Errorf("register %q: %w", name, ErrRoomFull)
	}
	r.users = append(r.users, &User{Name: name, Status: true, Messages: []json.RawMessage{}})
	return r.snapshot(), nil
}

// Remove deletes name if present and returns the resulting roster and
// whether anything was removed.
func (r *Registry) Remove(name string) ([]User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(name)
	if i < 0 {
		return r.snapshot(), false
	}
	r.users = append(r.users[:i], r.users[i+1:]...)
	return r.snapshot(), true
}

// AppendMessage appends msg to the history of name.
func (r *Registry) AppendMessage(name string, msg json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("append message for %q: %w", name, ErrUserNotFound)
	}
	u := r.users[i]
	u.Messages = append(u.Messages, append(json.RawMessage(nil), msg...))
	return nil
}

// Users returns a deep copy of the active users. It is never nil.
func (r *Registry) Users() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot()
}

// Get returns a copy of the user registered under name.
func (r *Registry) Get(name string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexOf(name)
	if i < 0 {
		return User{}, false
	}
	return copyUser(r.users[i]), true
}

// Len reports the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) snapshot() []User {
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		if u.Status {
			out = append(out, copyUser(u))
		}
	}
	return out
}

func (r *Registry) indexOf(name string) int {
	for i, u := range r.users {
		if u.Name == name {
			return i
		}
	}
	return -1
}

func copyUser(u *User) User {
	msgs := make([]json.RawMessage, len(u.Messages))
	copy(msgs, u.Messages)
	return User{Name: u.Name, Status: u.Status, Messages: msgs}
}
