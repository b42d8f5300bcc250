package identity

import (
	"context"
	"errors"
	"strings"

	"stencil/api/internal/store"
)

// ErrNoIdentity is returned when the request carries no usable username.
var ErrNoIdentity = errors.New("no authenticated identity")

type userStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
}

type userCache interface {
	Get(ctx context.Context, username string) (*store.User, error)
	Set(ctx context.Context, user store.User) error
}

// Resolver turns the username asserted by the reverse proxy into a user row,
// creating the row on first sight. The cache is optional.
type Resolver struct {
	store userStore
	cache userCache
}

func NewResolver(s userStore, cache userCache) *Resolver {
	return &Resolver{store: s, cache: cache}
}

// Resolve maps a proxy-asserted username to its user record. A blank username
// means the proxy let an unauthenticated request through; the caller turns
// that into a 401. Cache failures fall through to the database.
func (r *Resolver) Resolve(ctx context.Context, username string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return store.User{}, ErrNoIdentity
	}

	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, username); err == nil && cached != nil {
			return *cached, nil
		}
	}

	user, err := r.store.EnsureUserByName(ctx, username)
	if err != nil {
		return store.User{}, err
	}

	if r.cache != nil {
		_ = r.cache.Set(ctx, user)
	}
	return user, nil
}
