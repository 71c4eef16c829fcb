package kv

import (
	"context"
	"errors"
	"strings"
)

// Router sends keys under a prefix to a dedicated store and everything
// else to the default. opwarden uses it to keep the audit chain on a
// separate backend from mutable state.
type Router struct {
	def    Store
	routes []route
}

type route struct {
	prefix string
	store  Store
}

// NewRouter returns a Router that falls back to def.
func NewRouter(def Store) *Router {
	return &Router{def: def}
}

// Route sends keys that start with prefix to s. Earlier routes win.
func (r *Router) Route(prefix string, s Store) *Router {
	r.routes = append(r.routes, route{prefix: prefix, store: s})
	return r
}

func (r *Router) pick(key string) Store {
	for _, rt := range r.routes {
		if strings.HasPrefix(key, rt.prefix) {
			return rt.store
		}
	}
	return r.def
}

func (r *Router) Get(ctx context.Context, key string) ([]byte, error) {
	return r.pick(key).Get(ctx, key)
}

func (r *Router) Set(ctx context.Context, key string, value []byte) error {
	return r.pick(key).Set(ctx, key, value)
}

func (r *Router) Append(ctx context.Context, logKey string, line []byte) error {
	return r.pick(logKey).Append(ctx, logKey, line)
}

func (r *Router) ReadLines(ctx context.Context, logKey string) ([][]byte, error) {
	return r.pick(logKey).ReadLines(ctx, logKey)
}

// DropLog drops logKey on whichever store owns it.
func (r *Router) DropLog(ctx context.Context, logKey string) error {
	if err := validateDrop(logKey); err != nil {
		return err
	}
	_, err := DropLog(ctx, r.pick(logKey), logKey)
	return err
}

// Close closes every distinct underlying store.
func (r *Router) Close() error {
	seen := map[Store]bool{}
	var errs []error
	for _, s := range append([]Store{r.def}, routeStores(r.routes)...) {
		if s == nil || seen[s] {
			continue
		}
		seen[s] = true
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func routeStores(rs []route) []Store {
	out := make([]Store, len(rs))
	for i, rt := range rs {
		out[i] = rt.store
	}
	return out
}
