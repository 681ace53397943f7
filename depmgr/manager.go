/*
 * Copyright 2024 xds-depmgr authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package depmgr implements the xDS dependency manager: it subscribes to
// the Listener, RouteConfiguration, Cluster and Endpoint resources a
// data-plane client depends on, reconciles them into a forest of cluster
// nodes rooted at the current route set, and publishes one complete
// configuration snapshot to a single downstream watcher exactly when the
// whole tree has settled.
package depmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"google.golang.org/grpc/status"

	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"

	"github.com/coreproxy/xds-depmgr/client"
	"github.com/coreproxy/xds-depmgr/internal/grpcsync"
	"github.com/coreproxy/xds-depmgr/internal/xdslog"
	"github.com/coreproxy/xds-depmgr/resource"
)

// Options configure a Manager.
type Options struct {
	// XDSClient is the transport client watches are started on. Required.
	XDSClient client.XDSClient

	// ResolverFactory creates DNS resolvers for LOGICAL_DNS clusters.
	// Defaults to client.NewNetResolverFactory().
	ResolverFactory client.ResolverFactory

	// ListenerResourceName is the LDS resource to watch. Required.
	ListenerResourceName string

	// DataPlaneAuthority is the fully qualified host name used to select a
	// virtual host from the route configuration. Required.
	DataPlaneAuthority string

	// Watcher receives settled snapshots and top-level errors. Required.
	Watcher client.ConfigWatcher

	// DualStack controls whether additional endpoint addresses beyond the
	// primary are kept during EDS normalization.
	DualStack bool

	// Logger is the base logger. Defaults to a no-op logger.
	Logger log.Logger
}

// Manager is the xDS dependency manager. All methods are safe for
// concurrent use; internally every upstream callback and every downstream
// call is serialized on a single callback serializer, so the reconciliation
// state below the serializer is only ever touched from one goroutine and
// needs no locks.
type Manager struct {
	xdsClient       client.XDSClient
	resolverFactory client.ResolverFactory
	watcher         client.ConfigWatcher
	normalizer      *resource.EndpointNormalizer
	logger          *xdslog.Logger

	// All fields below are only accessed from serializer callbacks, with
	// the exception of Close, which waits for the serializer to drain
	// before touching them.
	serializer       *grpcsync.CallbackSerializer
	serializerCancel context.CancelFunc

	ldsResourceName string
	ldsCancel       client.CancelFunc
	authority       string

	// listenerReceived tracks whether a listener is currently held;
	// listenerEverReceived additionally stays true across a later
	// does-not-exist, and is what decides whether a transient listener
	// error is surfaced or absorbed.
	listenerReceived     bool
	listenerEverReceived bool
	currentListener      resource.ListenerUpdate

	rdsResourceName     string
	rdsCancel           client.CancelFunc
	rdsWatcher          *routeConfigWatcher
	routeConfigReceived bool
	currentRouteConfig  resource.RouteConfigUpdate
	currentVirtualHost  *resource.VirtualHost

	clusterRoots  []string
	forest        *Forest
	subscriptions *subscriptionCounter
}

// New creates a dependency manager and immediately starts the Listener
// watch. The returned Manager must be shut down with Close.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.XDSClient == nil:
		return nil, errors.New("xds-depmgr: Options.XDSClient is required")
	case opts.Watcher == nil:
		return nil, errors.New("xds-depmgr: Options.Watcher is required")
	case opts.ListenerResourceName == "":
		return nil, errors.New("xds-depmgr: Options.ListenerResourceName is required")
	case opts.DataPlaneAuthority == "":
		return nil, errors.New("xds-depmgr: Options.DataPlaneAuthority is required")
	}

	m := &Manager{
		xdsClient:       opts.XDSClient,
		resolverFactory: opts.ResolverFactory,
		watcher:         opts.Watcher,
		normalizer:      resource.NewEndpointNormalizer(opts.DualStack),
		ldsResourceName: opts.ListenerResourceName,
		authority:       opts.DataPlaneAuthority,
		forest:          NewForest(),
		subscriptions:   newSubscriptionCounter(),
	}
	if m.resolverFactory == nil {
		m.resolverFactory = client.NewNetResolverFactory()
	}

	base := opts.Logger
	if base == nil {
		base = log.NewNopLogger()
	}
	m.logger = xdslog.New(base, fmt.Sprintf("xds-depmgr-%s", uuid.NewString()[:8]))

	ctx, cancel := context.WithCancel(context.Background())
	m.serializer = grpcsync.NewCallbackSerializer(ctx)
	m.serializerCancel = cancel

	m.logger.Infof("Watching Listener resource %q for authority %q", m.ldsResourceName, m.authority)
	m.ldsCancel = m.xdsClient.WatchListener(m.ldsResourceName, &listenerWatcher{parent: m})
	return m, nil
}

// Close cancels every watch and resolver held by the manager. No snapshots
// are emitted after Close returns.
func (m *Manager) Close() {
	// Cancel the serializer's context and wait for in-flight callbacks to
	// finish; after Done is closed no callback runs or can be scheduled, so
	// the state below can be torn down without synchronization.
	m.serializerCancel()
	<-m.serializer.Done()

	if m.ldsCancel != nil {
		m.ldsCancel()
		m.ldsCancel = nil
	}
	m.stopRouteConfigWatcher()
	for _, name := range m.forest.Names() {
		if node, ok := m.forest.Remove(name); ok {
			m.teardownNode(node)
		}
	}
	m.clusterRoots = nil
	m.logger.Infof("Shutdown")
}

// AddClusterSubscription pins name into the root set so its subtree stays
// watched even when no route references it. The returned release function
// is one-shot: the first call drops the pin (pruning the subtree if nothing
// else reaches it); later calls are no-ops.
func (m *Manager) AddClusterSubscription(name string) func() {
	m.serializer.Schedule(func(context.Context) {
		if m.subscriptions.add(name) {
			m.logger.Infof("Subscribed to Cluster resource %q", name)
			m.ensureCluster(name)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.serializer.Schedule(func(context.Context) {
				if m.subscriptions.release(name) {
					m.logger.Infof("Released last subscription to Cluster resource %q", name)
					m.pruneForest()
					m.maybeSendUpdate()
				}
			})
		})
	}
}

// UpdateResolution asks every LOGICAL_DNS cluster's resolver to re-resolve.
// EDS clusters are unaffected.
func (m *Manager) UpdateResolution() {
	m.serializer.Schedule(func(context.Context) {
		for _, name := range m.forest.Names() {
			if node, ok := m.forest.Get(name); ok && node.DNSHandle != nil {
				node.DNSHandle.UpdateResolution()
			}
		}
	})
}

// Listener handling.
//
// Only executed in the context of a serializer callback.
func (m *Manager) onListenerResourceChanged(update resource.ListenerUpdate) {
	m.logger.Infof("Received update for Listener resource %q", m.ldsResourceName)
	m.currentListener = update
	m.listenerReceived = true
	m.listenerEverReceived = true

	if update.InlineRouteConfig != nil {
		// An inline route configuration supersedes any RDS watch.
		m.stopRouteConfigWatcher()
		m.applyRouteConfigUpdate(m.ldsResourceName, *update.InlineRouteConfig)
		return
	}

	if m.rdsResourceName == update.RouteConfigName {
		// Same RDS resource as before; refresh the snapshot so it carries
		// the new listener contents.
		m.maybeSendUpdate()
		return
	}

	// The route configuration name changed: drop everything derived from
	// the old one, then start the new watch. Nothing is emitted until the
	// new route configuration arrives.
	m.stopRouteConfigWatcher()
	m.routeConfigReceived = false
	m.currentVirtualHost = nil
	m.clusterRoots = nil
	m.pruneForest()

	m.rdsResourceName = update.RouteConfigName
	w := &routeConfigWatcher{name: update.RouteConfigName, parent: m}
	m.rdsWatcher = w
	m.logger.Infof("Watching RouteConfiguration resource %q", update.RouteConfigName)
	m.rdsCancel = m.xdsClient.WatchRouteConfig(update.RouteConfigName, w)
}

// Only executed in the context of a serializer callback.
func (m *Manager) onListenerError(err *status.Status) {
	if m.listenerEverReceived {
		m.logger.Warningf("Ignoring transient error for Listener resource %q: %v", m.ldsResourceName, err.Message())
		return
	}
	m.watcher.OnError("Listener "+m.ldsResourceName, err)
}

// Only executed in the context of a serializer callback.
func (m *Manager) onListenerResourceNotFound() {
	m.logger.Infof("Listener resource %q does not exist", m.ldsResourceName)
	m.listenerReceived = false
	m.stopRouteConfigWatcher()
	m.routeConfigReceived = false
	m.currentVirtualHost = nil
	m.clusterRoots = nil
	m.pruneForest()
	m.watcher.OnResourceDoesNotExist("Listener " + m.ldsResourceName)
}

func (m *Manager) stopRouteConfigWatcher() {
	if m.rdsCancel != nil {
		m.rdsCancel()
		m.rdsCancel = nil
	}
	m.rdsWatcher = nil
	m.rdsResourceName = ""
}

// RouteConfiguration handling. name is the RDS resource name, or the
// listener resource name when the route configuration was inlined; it only
// feeds the context strings reported to the downstream watcher.
//
// Only executed in the context of a serializer callback.
func (m *Manager) applyRouteConfigUpdate(name string, update resource.RouteConfigUpdate) {
	m.currentRouteConfig = update
	m.routeConfigReceived = true

	vh := resource.FindBestMatchingVirtualHost(m.authority, update.VirtualHosts)
	if vh == nil {
		m.currentVirtualHost = nil
		m.clusterRoots = nil
		m.pruneForest()
		m.watcher.OnError("RouteConfiguration "+name, resource.NoMatchingVirtualHostError(m.authority))
		return
	}
	m.currentVirtualHost = vh

	m.clusterRoots = routeClusters(vh)
	m.pruneForest()
	for _, cluster := range m.clusterRoots {
		m.ensureCluster(cluster)
	}
	m.maybeSendUpdate()
}

// routeClusters collects the statically referenced cluster names of vh's
// routes, first-seen order, deduplicated. cluster_header actions select
// their cluster dynamically and contribute nothing.
func routeClusters(vh *resource.VirtualHost) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, rt := range vh.Routes {
		switch rt.ActionType {
		case resource.RouteActionCluster:
			add(rt.Cluster)
		case resource.RouteActionWeightedClusters:
			for _, wc := range rt.WeightedClusters {
				add(wc.Name)
			}
		}
	}
	return names
}

// Only executed in the context of a serializer callback.
func (m *Manager) onRouteConfigResourceChanged(w *routeConfigWatcher, update resource.RouteConfigUpdate) {
	if m.rdsWatcher != w {
		// Update from a cancelled watcher.
		return
	}
	m.logger.Infof("Received update for RouteConfiguration resource %q", w.name)
	m.applyRouteConfigUpdate(w.name, update)
}

// Only executed in the context of a serializer callback.
func (m *Manager) onRouteConfigError(w *routeConfigWatcher, err *status.Status) {
	if m.rdsWatcher != w {
		return
	}
	if m.routeConfigReceived {
		m.logger.Warningf("Ignoring transient error for RouteConfiguration resource %q: %v", w.name, err.Message())
		return
	}
	m.watcher.OnError("RouteConfiguration "+w.name, err)
}

// Only executed in the context of a serializer callback.
func (m *Manager) onRouteConfigResourceNotFound(w *routeConfigWatcher) {
	if m.rdsWatcher != w {
		return
	}
	m.logger.Infof("RouteConfiguration resource %q does not exist", w.name)
	m.routeConfigReceived = false
	m.currentVirtualHost = nil
	m.clusterRoots = nil
	m.pruneForest()
	m.watcher.OnResourceDoesNotExist("RouteConfiguration " + w.name)
}

// Cluster (CDS) handling.
//
// Only executed in the context of a serializer callback.
func (m *Manager) onClusterResourceChanged(w *clusterWatcher, update resource.CdsUpdate) {
	node, ok := m.forest.Get(w.name)
	if !ok || node.cdsWatcherRef != w {
		return
	}
	update.ClusterName = w.name
	m.logger.Infof("Received %v update for Cluster resource %q", update.Type, w.name)

	switch update.Type {
	case resource.AggregateType:
		m.applyAggregateUpdate(node, update)
	case resource.EDSType:
		m.applyEDSUpdate(node, update)
	case resource.LogicalDNSType:
		m.applyDNSUpdate(node, update)
	}
}

// Only executed in the context of a serializer callback.
func (m *Manager) applyAggregateUpdate(node *ClusterNode, update resource.CdsUpdate) {
	if info := node.Info; info != nil {
		switch info.CdsUpdate.Type {
		case resource.EDSType:
			m.cancelEDSWatch(node)
		case resource.LogicalDNSType:
			m.closeDNSResolver(node)
		}
	}
	node.Info = &resource.ClusterInfo{CdsUpdate: update}
	node.Err = nil
	node.Children = append([]string(nil), update.AggregateChildren...)
	for _, child := range node.Children {
		m.ensureCluster(child)
	}
	m.pruneForest()
	m.maybeSendUpdate()
}

// Only executed in the context of a serializer callback.
func (m *Manager) applyEDSUpdate(node *ClusterNode, update resource.CdsUpdate) {
	if info := node.Info; info != nil {
		switch info.CdsUpdate.Type {
		case resource.EDSType:
			if info.CdsUpdate.EdsServiceNameOrClusterName() == update.EdsServiceNameOrClusterName() {
				// Same EDS resource; keep the watch and whatever it has
				// already produced.
				node.Info = &resource.ClusterInfo{
					CdsUpdate:       update,
					LatestEndpoints: info.LatestEndpoints,
					ResolutionNote:  info.ResolutionNote,
				}
				node.Err = nil
				m.maybeSendUpdate()
				return
			}
			m.cancelEDSWatch(node)
		case resource.AggregateType:
			node.Children = nil
			m.pruneForest()
		case resource.LogicalDNSType:
			m.closeDNSResolver(node)
		}
	}
	node.Info = &resource.ClusterInfo{CdsUpdate: update}
	node.Err = nil
	m.startEDSWatch(node, update.EdsServiceNameOrClusterName())
	m.maybeSendUpdate()
}

// Only executed in the context of a serializer callback.
func (m *Manager) applyDNSUpdate(node *ClusterNode, update resource.CdsUpdate) {
	if info := node.Info; info != nil {
		switch info.CdsUpdate.Type {
		case resource.LogicalDNSType:
			if info.CdsUpdate.DNSHostname == update.DNSHostname {
				// Same hostname; the existing resolver stays.
				node.Info = &resource.ClusterInfo{
					CdsUpdate:       update,
					LatestEndpoints: info.LatestEndpoints,
					ResolutionNote:  info.ResolutionNote,
				}
				node.Err = nil
				m.maybeSendUpdate()
				return
			}
			m.closeDNSResolver(node)
		case resource.AggregateType:
			node.Children = nil
			m.pruneForest()
		case resource.EDSType:
			m.cancelEDSWatch(node)
		}
	}
	node.Info = &resource.ClusterInfo{CdsUpdate: update}
	node.Err = nil
	m.startDNSResolver(node, update.DNSHostname)
	m.maybeSendUpdate()
}

// Only executed in the context of a serializer callback.
func (m *Manager) onClusterError(w *clusterWatcher, err *status.Status) {
	node, ok := m.forest.Get(w.name)
	if !ok || node.cdsWatcherRef != w {
		return
	}
	if node.Info != nil {
		m.logger.Warningf("Ignoring transient error for Cluster resource %q: %v", w.name, err.Message())
		return
	}
	node.Err = err
	m.maybeSendUpdate()
}

// Only executed in the context of a serializer callback.
func (m *Manager) onClusterResourceNotFound(w *clusterWatcher) {
	node, ok := m.forest.Get(w.name)
	if !ok || node.cdsWatcherRef != w {
		return
	}
	m.logger.Infof("Cluster resource %q does not exist", w.name)
	if info := node.Info; info != nil {
		switch info.CdsUpdate.Type {
		case resource.EDSType:
			m.cancelEDSWatch(node)
		case resource.LogicalDNSType:
			m.closeDNSResolver(node)
		}
	}
	node.Info = nil
	if len(node.Children) > 0 {
		node.Children = nil
		m.pruneForest()
	}
	node.Err = resource.ClusterNotFoundError(w.name)
	m.maybeSendUpdate()
}

// Endpoint (EDS) handling. All three callbacks are guarded by the node
// still owning the watcher that delivered them, so an update racing an
// intervening CDS transition is dropped.
//
// Only executed in the context of a serializer callback.
func (m *Manager) onEndpointsResourceChanged(w *endpointsWatcher, cla *v3endpointpb.ClusterLoadAssignment) {
	node, ok := m.forest.Get(w.cluster)
	if !ok || node.edsWatcherRef != w {
		return
	}
	node.Info.LatestEndpoints = m.normalizer.NormalizeEDS(cla)
	node.Info.ResolutionNote = ""
	m.maybeSendUpdate()
}

// Only executed in the context of a serializer callback.
func (m *Manager) onEndpointsError(w *endpointsWatcher, err *status.Status) {
	node, ok := m.forest.Get(w.cluster)
	if !ok || node.edsWatcherRef != w {
		return
	}
	if node.Info.LatestEndpoints != nil {
		m.logger.Warningf("Ignoring endpoint error for Cluster resource %q, retaining last-known endpoints: %v", w.cluster, err.Message())
		return
	}
	node.Info.ResolutionNote = fmt.Sprintf("Control plane error: %v", err.Message())
	m.maybeSendUpdate()
}

// Only executed in the context of a serializer callback.
func (m *Manager) onEndpointsResourceNotFound(w *endpointsWatcher) {
	node, ok := m.forest.Get(w.cluster)
	if !ok || node.edsWatcherRef != w {
		return
	}
	node.Info.LatestEndpoints = nil
	node.Info.ResolutionNote = "Resource does not exist"
	m.maybeSendUpdate()
}

// DNS handling, guarded the same way as EDS.
//
// Only executed in the context of a serializer callback.
func (m *Manager) onDNSResolved(w *dnsWatcher, addresses []resource.Address) {
	node, ok := m.forest.Get(w.cluster)
	if !ok || node.dnsWatcherRef != w {
		return
	}
	node.Info.LatestEndpoints = m.normalizer.NormalizeDNS(addresses)
	node.Info.ResolutionNote = ""
	m.maybeSendUpdate()
}

// Only executed in the context of a serializer callback.
func (m *Manager) onDNSError(w *dnsWatcher, err *status.Status) {
	node, ok := m.forest.Get(w.cluster)
	if !ok || node.dnsWatcherRef != w {
		return
	}
	if node.Info.LatestEndpoints != nil {
		m.logger.Warningf("Ignoring DNS error for Cluster resource %q, retaining last-known endpoints: %v", w.cluster, err.Message())
		return
	}
	node.Info.ResolutionNote = fmt.Sprintf("DNS resolution failed: %v", err.Message())
	m.maybeSendUpdate()
}

// Watch and resolver plumbing.

// ensureCluster lazily adds a node for name and starts its CDS watch.
//
// Only executed in the context of a serializer callback.
func (m *Manager) ensureCluster(name string) {
	node, created := m.forest.EnsureNode(name)
	if !created {
		return
	}
	m.logger.Infof("Watching Cluster resource %q", name)
	w := &clusterWatcher{name: name, parent: m}
	node.cdsWatcherRef = w
	node.CDSCancel = m.xdsClient.WatchCluster(name, w)
}

func (m *Manager) startEDSWatch(node *ClusterNode, resourceName string) {
	m.logger.Infof("Watching Endpoint resource %q for Cluster resource %q", resourceName, node.Name)
	w := &endpointsWatcher{cluster: node.Name, parent: m}
	node.edsWatcherRef = w
	node.EDSCancel = m.xdsClient.WatchEndpoints(resourceName, w)
}

func (m *Manager) cancelEDSWatch(node *ClusterNode) {
	if node.EDSCancel != nil {
		node.EDSCancel()
		node.EDSCancel = nil
	}
	node.edsWatcherRef = nil
}

func (m *Manager) startDNSResolver(node *ClusterNode, hostname string) {
	m.logger.Infof("Creating DNS resolver for %q for Cluster resource %q", hostname, node.Name)
	w := &dnsWatcher{cluster: node.Name, parent: m}
	node.dnsWatcherRef = w
	handle, err := m.resolverFactory.CreateResolver(
		client.ResolverTarget{Scheme: "dns", Path: hostname},
		w,
		client.ResolverOptions{DisableServiceConfig: true},
	)
	if err != nil {
		m.logger.Errorf("Failed to create DNS resolver for %q: %v", hostname, err)
		node.dnsWatcherRef = nil
		node.Info.ResolutionNote = fmt.Sprintf("DNS resolver creation failed: %v", err)
		return
	}
	node.DNSHandle = handle
	handle.UpdateResolution()
}

func (m *Manager) closeDNSResolver(node *ClusterNode) {
	if node.DNSHandle != nil {
		node.DNSHandle.Close()
		node.DNSHandle = nil
	}
	node.dnsWatcherRef = nil
}

// rootSet is the reachability root set: the clusters referenced by the
// current virtual host's routes plus every externally pinned cluster.
func (m *Manager) rootSet() []string {
	roots := append([]string(nil), m.clusterRoots...)
	return append(roots, m.subscriptions.names()...)
}

// Only executed in the context of a serializer callback.
func (m *Manager) pruneForest() {
	for _, node := range m.forest.Prune(m.rootSet()) {
		m.logger.Infof("Removing unreachable Cluster resource %q", node.Name)
		m.teardownNode(node)
	}
}

func (m *Manager) teardownNode(node *ClusterNode) {
	if node.CDSCancel != nil {
		node.CDSCancel()
		node.CDSCancel = nil
	}
	node.cdsWatcherRef = nil
	m.cancelEDSWatch(node)
	m.closeDNSResolver(node)
}

// Snapshot emission.

// maybeSendUpdate emits a snapshot iff a listener and a route configuration
// have been received, a virtual host matched, and every cluster reachable
// from the root set is ready. The snapshot is rebuilt from state on every
// call, so repeated calls with unchanged state produce identical snapshots.
//
// Only executed in the context of a serializer callback.
func (m *Manager) maybeSendUpdate() {
	if !m.listenerReceived || !m.routeConfigReceived || m.currentVirtualHost == nil {
		return
	}
	for name := range m.forest.Reachable(m.rootSet()) {
		node, ok := m.forest.Get(name)
		if !ok || !node.Ready() {
			return
		}
	}

	cfg := resource.XdsConfig{
		Listener:    m.currentListener,
		RouteConfig: m.currentRouteConfig,
		VirtualHost: *m.currentVirtualHost,
		Clusters:    make(map[string]resource.ClusterResult, m.forest.Len()),
	}
	for _, name := range m.forest.Names() {
		node, _ := m.forest.Get(name)
		cfg.Clusters[name] = clusterResult(node)
	}
	m.logger.Infof("Emitting snapshot for Listener resource %q with %d clusters", m.ldsResourceName, len(cfg.Clusters))
	m.watcher.OnUpdate(cfg)
}

func clusterResult(node *ClusterNode) resource.ClusterResult {
	if node.Err != nil {
		return resource.ClusterResult{Err: node.Err}
	}
	cc := &resource.ClusterConfig{Cluster: node.Info.CdsUpdate}
	if node.Info.CdsUpdate.Type == resource.AggregateType {
		cc.Children = resource.ClusterChildren{
			IsAggregate:  true,
			LeafClusters: append([]string(nil), node.Children...),
		}
	} else {
		cc.Children = resource.ClusterChildren{
			Endpoints:      node.Info.LatestEndpoints,
			ResolutionNote: node.Info.ResolutionNote,
		}
	}
	return resource.ClusterResult{Config: cc}
}
