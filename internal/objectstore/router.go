package objectstore

import (
	"context"
	"io"
	"strings"
)

// Router fetches from the store registered for a reference's scheme and
// writes every artifact to the primary store
type Router struct {
	primary Store
	schemes map[string]Store
}

// NewRouter creates a router writing to primary
func NewRouter(primary Store) *Router {
	return &Router{primary: primary, schemes: make(map[string]Store)}
}

// Handle routes references starting with scheme (for example "gdrive://") to s
func (r *Router) Handle(scheme string, s Store) {
	r.schemes[scheme] = s
}

// Handles reports whether a scheme has its own store
func (r *Router) Handles(scheme string) bool {
	_, ok := r.schemes[scheme]
	return ok
}

func (r *Router) storeFor(ref string) Store {
	for scheme, s := range r.schemes {
		if strings.HasPrefix(ref, scheme) {
			return s
		}
	}
	return r.primary
}

// Fetch implements Store
func (r *Router) Fetch(ctx context.Context, ref string) (*Object, error) {
	return r.storeFor(ref).Fetch(ctx, ref)
}

// Put implements Store
func (r *Router) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	return r.primary.Put(ctx, key, body, size, contentType)
}
