package depmgr

import (
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/status"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/coreproxy/xds-depmgr/client"
	"github.com/coreproxy/xds-depmgr/resource"
)

const defaultTestTimeout = 5 * time.Second

const (
	testListenerName = "listener.example.com"
	testAuthority    = "svc.example.com"
)

// watchEvent records a watch being started or cancelled on the fake xDS
// client, so tests can synchronize with work the manager does
// asynchronously on its serializer.
type watchEvent struct {
	kind string // "lds", "rds", "cds", "eds"
	name string
	op   string // "start", "cancel"
}

type fakeXDSClient struct {
	mu        sync.Mutex
	listeners map[string]client.Watcher[resource.ListenerUpdate]
	routes    map[string]client.Watcher[resource.RouteConfigUpdate]
	clusters  map[string]client.Watcher[resource.CdsUpdate]
	endpoints map[string]client.Watcher[*v3endpointpb.ClusterLoadAssignment]

	events chan watchEvent
}

func newFakeXDSClient() *fakeXDSClient {
	return &fakeXDSClient{
		listeners: make(map[string]client.Watcher[resource.ListenerUpdate]),
		routes:    make(map[string]client.Watcher[resource.RouteConfigUpdate]),
		clusters:  make(map[string]client.Watcher[resource.CdsUpdate]),
		endpoints: make(map[string]client.Watcher[*v3endpointpb.ClusterLoadAssignment]),
		events:    make(chan watchEvent, 256),
	}
}

func (c *fakeXDSClient) WatchListener(name string, w client.Watcher[resource.ListenerUpdate]) client.CancelFunc {
	c.mu.Lock()
	c.listeners[name] = w
	c.mu.Unlock()
	c.events <- watchEvent{"lds", name, "start"}
	return func() {
		c.mu.Lock()
		if c.listeners[name] == w {
			delete(c.listeners, name)
		}
		c.mu.Unlock()
		c.events <- watchEvent{"lds", name, "cancel"}
	}
}

func (c *fakeXDSClient) WatchRouteConfig(name string, w client.Watcher[resource.RouteConfigUpdate]) client.CancelFunc {
	c.mu.Lock()
	c.routes[name] = w
	c.mu.Unlock()
	c.events <- watchEvent{"rds", name, "start"}
	return func() {
		c.mu.Lock()
		if c.routes[name] == w {
			delete(c.routes, name)
		}
		c.mu.Unlock()
		c.events <- watchEvent{"rds", name, "cancel"}
	}
}

func (c *fakeXDSClient) WatchCluster(name string, w client.Watcher[resource.CdsUpdate]) client.CancelFunc {
	c.mu.Lock()
	c.clusters[name] = w
	c.mu.Unlock()
	c.events <- watchEvent{"cds", name, "start"}
	return func() {
		c.mu.Lock()
		if c.clusters[name] == w {
			delete(c.clusters, name)
		}
		c.mu.Unlock()
		c.events <- watchEvent{"cds", name, "cancel"}
	}
}

func (c *fakeXDSClient) WatchEndpoints(name string, w client.Watcher[*v3endpointpb.ClusterLoadAssignment]) client.CancelFunc {
	c.mu.Lock()
	c.endpoints[name] = w
	c.mu.Unlock()
	c.events <- watchEvent{"eds", name, "start"}
	return func() {
		c.mu.Lock()
		if c.endpoints[name] == w {
			delete(c.endpoints, name)
		}
		c.mu.Unlock()
		c.events <- watchEvent{"eds", name, "cancel"}
	}
}

func (c *fakeXDSClient) listenerWatcher(t *testing.T, name string) client.Watcher[resource.ListenerUpdate] {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.listeners[name]
	if w == nil {
		t.Fatalf("no active Listener watch for %q", name)
	}
	return w
}

func (c *fakeXDSClient) routeWatcher(t *testing.T, name string) client.Watcher[resource.RouteConfigUpdate] {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.routes[name]
	if w == nil {
		t.Fatalf("no active RouteConfiguration watch for %q", name)
	}
	return w
}

func (c *fakeXDSClient) clusterWatcher(t *testing.T, name string) client.Watcher[resource.CdsUpdate] {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.clusters[name]
	if w == nil {
		t.Fatalf("no active Cluster watch for %q", name)
	}
	return w
}

func (c *fakeXDSClient) endpointsWatcher(t *testing.T, name string) client.Watcher[*v3endpointpb.ClusterLoadAssignment] {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.endpoints[name]
	if w == nil {
		t.Fatalf("no active Endpoint watch for %q", name)
	}
	return w
}

// awaitWatch blocks until the fake client observes the given watch event,
// discarding unrelated events along the way.
func awaitWatch(t *testing.T, c *fakeXDSClient, kind, name, op string) {
	t.Helper()
	deadline := time.After(defaultTestTimeout)
	for {
		select {
		case ev := <-c.events:
			if ev.kind == kind && ev.name == name && ev.op == op {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s of %q", kind, op, name)
		}
	}
}

type watcherErr struct {
	context string
	err     *status.Status
}

type fakeConfigWatcher struct {
	updates  chan resource.XdsConfig
	errs     chan watcherErr
	notFound chan string
}

func newFakeConfigWatcher() *fakeConfigWatcher {
	return &fakeConfigWatcher{
		updates:  make(chan resource.XdsConfig, 16),
		errs:     make(chan watcherErr, 16),
		notFound: make(chan string, 16),
	}
}

func (w *fakeConfigWatcher) OnUpdate(cfg resource.XdsConfig) { w.updates <- cfg }

func (w *fakeConfigWatcher) OnError(ctx string, err *status.Status) {
	w.errs <- watcherErr{context: ctx, err: err}
}

func (w *fakeConfigWatcher) OnResourceDoesNotExist(ctx string) { w.notFound <- ctx }

func awaitUpdate(t *testing.T, w *fakeConfigWatcher) resource.XdsConfig {
	t.Helper()
	select {
	case cfg := <-w.updates:
		return cfg
	case <-time.After(defaultTestTimeout):
		t.Fatal("timed out waiting for a snapshot")
	}
	return resource.XdsConfig{}
}

func awaitError(t *testing.T, w *fakeConfigWatcher) watcherErr {
	t.Helper()
	select {
	case we := <-w.errs:
		return we
	case <-time.After(defaultTestTimeout):
		t.Fatal("timed out waiting for an error")
	}
	return watcherErr{}
}

func awaitNotFound(t *testing.T, w *fakeConfigWatcher) string {
	t.Helper()
	select {
	case ctx := <-w.notFound:
		return ctx
	case <-time.After(defaultTestTimeout):
		t.Fatal("timed out waiting for a does-not-exist notification")
	}
	return ""
}

func assertNoUpdate(t *testing.T, w *fakeConfigWatcher) {
	t.Helper()
	select {
	case cfg := <-w.updates:
		t.Fatalf("unexpected snapshot: %+v", cfg)
	default:
	}
}

func assertNoError(t *testing.T, w *fakeConfigWatcher) {
	t.Helper()
	select {
	case we := <-w.errs:
		t.Fatalf("unexpected error %q: %v", we.context, we.err)
	default:
	}
}

type fakeResolver struct {
	hostname string
	watcher  client.DNSWatcher

	mu          sync.Mutex
	updateCalls int
	closed      bool
}

func (r *fakeResolver) UpdateResolution() {
	r.mu.Lock()
	r.updateCalls++
	r.mu.Unlock()
}

func (r *fakeResolver) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *fakeResolver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeResolver) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateCalls
}

func (r *fakeResolver) resolve(addresses ...resource.Address) {
	r.watcher.OnSuccessfulResolution(addresses)
}

type fakeResolverFactory struct {
	created chan *fakeResolver
}

func newFakeResolverFactory() *fakeResolverFactory {
	return &fakeResolverFactory{created: make(chan *fakeResolver, 16)}
}

func (f *fakeResolverFactory) CreateResolver(target client.ResolverTarget, w client.DNSWatcher, _ client.ResolverOptions) (client.ResolverHandle, error) {
	r := &fakeResolver{hostname: target.Path, watcher: w}
	f.created <- r
	return r, nil
}

func awaitResolver(t *testing.T, f *fakeResolverFactory) *fakeResolver {
	t.Helper()
	select {
	case r := <-f.created:
		return r
	case <-time.After(defaultTestTimeout):
		t.Fatal("timed out waiting for a DNS resolver to be created")
	}
	return nil
}

func assertNoResolver(t *testing.T, f *fakeResolverFactory) {
	t.Helper()
	select {
	case r := <-f.created:
		t.Fatalf("unexpected DNS resolver created for %q", r.hostname)
	default:
	}
}

type testSetup struct {
	client  *fakeXDSClient
	factory *fakeResolverFactory
	watcher *fakeConfigWatcher
	mgr     *Manager
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	s := &testSetup{
		client:  newFakeXDSClient(),
		factory: newFakeResolverFactory(),
		watcher: newFakeConfigWatcher(),
	}
	m, err := New(Options{
		XDSClient:            s.client,
		ResolverFactory:      s.factory,
		ListenerResourceName: testListenerName,
		DataPlaneAuthority:   testAuthority,
		Watcher:              s.watcher,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	s.mgr = m
	t.Cleanup(m.Close)
	awaitWatch(t, s.client, "lds", testListenerName, "start")
	return s
}

// Fixture builders.

func inlineListener(vhosts ...resource.VirtualHost) resource.ListenerUpdate {
	return resource.ListenerUpdate{InlineRouteConfig: &resource.RouteConfigUpdate{VirtualHosts: vhosts}}
}

func vhostWithClusters(clusters ...string) resource.VirtualHost {
	vh := resource.VirtualHost{Domains: []string{"*"}}
	for _, c := range clusters {
		vh.Routes = append(vh.Routes, resource.Route{ActionType: resource.RouteActionCluster, Cluster: c})
	}
	return vh
}

func edsCluster(serviceName string) resource.CdsUpdate {
	return resource.CdsUpdate{Type: resource.EDSType, EDSServiceName: serviceName}
}

func dnsCluster(hostname string) resource.CdsUpdate {
	return resource.CdsUpdate{Type: resource.LogicalDNSType, DNSHostname: hostname}
}

func aggregateCluster(children ...string) resource.CdsUpdate {
	return resource.CdsUpdate{Type: resource.AggregateType, AggregateChildren: children}
}

// testCLA builds a minimal healthy single-endpoint assignment.
func testCLA(host string, port uint32) *v3endpointpb.ClusterLoadAssignment {
	return &v3endpointpb.ClusterLoadAssignment{
		Endpoints: []*v3endpointpb.LocalityLbEndpoints{
			{
				Locality:            &v3corepb.Locality{},
				LoadBalancingWeight: wrapperspb.UInt32(1),
				Priority:            0,
				LbEndpoints: []*v3endpointpb.LbEndpoint{
					{
						HealthStatus:        v3corepb.HealthStatus_HEALTHY,
						LoadBalancingWeight: wrapperspb.UInt32(1),
						HostIdentifier: &v3endpointpb.LbEndpoint_Endpoint{
							Endpoint: &v3endpointpb.Endpoint{
								Address: &v3corepb.Address{
									Address: &v3corepb.Address_SocketAddress{
										SocketAddress: &v3corepb.SocketAddress{
											Address:       host,
											PortSpecifier: &v3corepb.SocketAddress_PortValue{PortValue: port},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// singleEndpointResource is the normalized form of testCLA(host, port) and
// of a single-address DNS resolution.
func singleEndpointResource(host string, port uint32) *resource.EndpointResource {
	return &resource.EndpointResource{
		Priorities: []resource.PriorityEntry{{
			Localities: []resource.LocalityEntry{{
				Locality: resource.LocalityID{},
				Weight:   1,
				Endpoints: []resource.WeightedEndpoint{{
					Endpoint: resource.Endpoint{Addresses: []resource.Address{{Host: host, Port: port}}},
					Weight:   1,
				}},
			}},
		}},
	}
}
