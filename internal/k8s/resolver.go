package k8s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	discoveryv1 "k8s.io/api/discovery/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	discoverylisters "k8s.io/client-go/listers/discovery/v1"
)

// ErrNoReadyEndpoints is returned when a service has no ready endpoint on the requested port.
var ErrNoReadyEndpoints = errors.New("no ready endpoints")

// Target identifies a Kubernetes service port addressed as k8s://namespace/service:port/base.
type Target struct {
	Namespace string
	Service   string
	// Port is a port name or number as published in the service's
	// EndpointSlices. Empty selects the first published port.
	Port string
	// Path is prepended to every forwarded request path.
	Path string
}

// ParseTarget splits a k8s:// URL into its parts.
func ParseTarget(u *url.URL) (Target, error) {
	if u.Scheme != "k8s" {
		return Target{}, fmt.Errorf("expected k8s scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("missing namespace in %q", u.String())
	}
	rest := strings.TrimPrefix(u.Path, "/")
	svcPort, base, _ := strings.Cut(rest, "/")
	svc, port, _ := strings.Cut(svcPort, ":")
	if svc == "" {
		return Target{}, fmt.Errorf("missing service in %q", u.String())
	}
	t := Target{Namespace: u.Host, Service: svc, Port: port}
	if base != "" {
		t.Path = "/" + base
	}
	return t, nil
}

// EndpointResolver resolves k8s:// targets to a ready endpoint address using
// a cluster-wide EndpointSlice informer. Ready endpoints are picked round-robin.
type EndpointResolver struct {
	factory informers.SharedInformerFactory
	lister  discoverylisters.EndpointSliceLister
	logger  *slog.Logger
	next    atomic.Uint64
}

// NewEndpointResolver creates a resolver. Call Start before resolving.
// If logger is nil, a no-op logger is used.
func NewEndpointResolver(clientset kubernetes.Interface, logger *slog.Logger) *EndpointResolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	factory := informers.NewSharedInformerFactory(clientset, 0)
	esInformer := factory.Discovery().V1().EndpointSlices()
	// Register the informer with the factory before Start.
	esInformer.Informer()

	return &EndpointResolver{
		factory: factory,
		lister:  esInformer.Lister(),
		logger:  logger,
	}
}

// Start runs the informer until ctx is cancelled.
func (r *EndpointResolver) Start(ctx context.Context) {
	r.factory.Start(ctx.Done())
	go func() {
		<-ctx.Done()
		r.factory.Shutdown()
	}()
}

// WaitForSync waits for the informer cache to sync.
func (r *EndpointResolver) WaitForSync(ctx context.Context) bool {
	syncStatus := r.factory.WaitForCacheSync(ctx.Done())
	for _, synced := range syncStatus {
		if !synced {
			return false
		}
	}
	return len(syncStatus) > 0
}

// Resolve implements proxy.TargetResolver.
func (r *EndpointResolver) Resolve(_ context.Context, target *url.URL) (*url.URL, error) {
	t, endpointSlices, err := r.slicesFor(target)
	if err != nil {
		return nil, err
	}

	candidates := readyAddresses(endpointSlices, t.Port)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for %s/%s port %q", ErrNoReadyEndpoints, t.Namespace, t.Service, t.Port)
	}

	picked := candidates[(r.next.Add(1)-1)%uint64(len(candidates))]
	r.logger.Debug("resolved k8s target",
		"namespace", t.Namespace,
		"service", t.Service,
		"endpoint", picked.host,
		"candidates", len(candidates))

	return &url.URL{Scheme: picked.scheme, Host: picked.host, Path: t.Path}, nil
}

// Readiness counts the endpoints serving the target's port and how many of
// them are ready.
func (r *EndpointResolver) Readiness(_ context.Context, target *url.URL) (ready, total int, err error) {
	t, endpointSlices, err := r.slicesFor(target)
	if err != nil {
		return 0, 0, err
	}
	for _, slice := range endpointSlices {
		if _, ok := matchPort(slice.Ports, t.Port); !ok {
			continue
		}
		for _, ep := range slice.Endpoints {
			if len(ep.Addresses) == 0 {
				continue
			}
			total++
			if isReady(ep) {
				ready++
			}
		}
	}
	return ready, total, nil
}

func (r *EndpointResolver) slicesFor(target *url.URL) (Target, []*discoveryv1.EndpointSlice, error) {
	t, err := ParseTarget(target)
	if err != nil {
		return Target{}, nil, err
	}
	selector := labels.SelectorFromSet(labels.Set{discoveryv1.LabelServiceName: t.Service})
	endpointSlices, err := r.lister.EndpointSlices(t.Namespace).List(selector)
	if err != nil {
		return Target{}, nil, fmt.Errorf("failed to list EndpointSlices for %s/%s: %w", t.Namespace, t.Service, err)
	}
	return t, endpointSlices, nil
}

// isReady treats a missing ready condition as not ready.
func isReady(ep discoveryv1.Endpoint) bool {
	return ep.Conditions.Ready != nil && *ep.Conditions.Ready
}

type endpointAddr struct {
	scheme string
	host   string
}

// readyAddresses collects host:port pairs of ready endpoints serving port,
// sorted so round-robin order is stable across informer resyncs.
func readyAddresses(endpointSlices []*discoveryv1.EndpointSlice, port string) []endpointAddr {
	var out []endpointAddr
	for _, slice := range endpointSlices {
		p, ok := matchPort(slice.Ports, port)
		if !ok {
			continue
		}
		scheme := portScheme(p)
		portStr := strconv.Itoa(int(*p.Port))
		for _, ep := range slice.Endpoints {
			if !isReady(ep) || len(ep.Addresses) == 0 {
				continue
			}
			out = append(out, endpointAddr{
				scheme: scheme,
				host:   net.JoinHostPort(ep.Addresses[0], portStr),
			})
		}
	}
	slices.SortFunc(out, func(a, b endpointAddr) int {
		return strings.Compare(a.host, b.host)
	})
	return slices.Compact(out)
}

func matchPort(ports []discoveryv1.EndpointPort, want string) (discoveryv1.EndpointPort, bool) {
	num, numErr := strconv.Atoi(want)
	for _, p := range ports {
		if p.Port == nil {
			continue
		}
		switch {
		case want == "":
			return p, true
		case numErr == nil && int(*p.Port) == num:
			return p, true
		case p.Name != nil && *p.Name == want:
			return p, true
		}
	}
	return discoveryv1.EndpointPort{}, false
}

func portScheme(p discoveryv1.EndpointPort) string {
	if p.AppProtocol != nil && strings.EqualFold(*p.AppProtocol, "https") {
		return "https"
	}
	if p.Name != nil && strings.EqualFold(*p.Name, "https") {
		return "https"
	}
	return "http"
}
