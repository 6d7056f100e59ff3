package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ErrUnsupportedScheme is returned for targets whose scheme the proxy cannot forward to.
var ErrUnsupportedScheme = errors.New("unsupported target scheme")

// TargetResolver turns a dynamic target (for example k8s://ns/svc:port)
// into a concrete http(s) URL for a single request.
type TargetResolver interface {
	Resolve(ctx context.Context, target *url.URL) (*url.URL, error)
}

// ResolveTarget returns the URL a request for rule r should be sent to.
// Static targets are returned as-is.
func ResolveTarget(ctx context.Context, resolver TargetResolver, r *Rule) (*url.URL, error) {
	if !r.Dynamic() {
		return r.Target, nil
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: no resolver configured for %s", ErrUnsupportedScheme, r.Target)
	}
	return resolver.Resolve(ctx, r.Target)
}
