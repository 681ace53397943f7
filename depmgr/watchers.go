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

package depmgr

import (
	"context"

	"google.golang.org/grpc/status"

	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"

	"github.com/coreproxy/xds-depmgr/resource"
)

// The watcher types below adapt the xDS client's and the resolver's
// callback contracts onto the manager's serializer: each callback bounces
// into a serializer closure, so reconciliation state is only ever touched
// from one goroutine regardless of which goroutine the client delivers on.
//
// Each watcher instance also serves as the identity token stored on the
// owning state (Manager.rdsWatcher, ClusterNode.cdsWatcherRef, ...): a
// callback whose watcher no longer matches the stored one belongs to a
// cancelled watch and is dropped.

type listenerWatcher struct {
	parent *Manager
}

func (w *listenerWatcher) OnResourceChanged(update resource.ListenerUpdate) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onListenerResourceChanged(update) })
}

func (w *listenerWatcher) OnError(err *status.Status) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onListenerError(err) })
}

func (w *listenerWatcher) OnResourceDoesNotExist() {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onListenerResourceNotFound() })
}

type routeConfigWatcher struct {
	name   string
	parent *Manager
}

func (w *routeConfigWatcher) OnResourceChanged(update resource.RouteConfigUpdate) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onRouteConfigResourceChanged(w, update) })
}

func (w *routeConfigWatcher) OnError(err *status.Status) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onRouteConfigError(w, err) })
}

func (w *routeConfigWatcher) OnResourceDoesNotExist() {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onRouteConfigResourceNotFound(w) })
}

type clusterWatcher struct {
	name   string
	parent *Manager
}

func (w *clusterWatcher) OnResourceChanged(update resource.CdsUpdate) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onClusterResourceChanged(w, update) })
}

func (w *clusterWatcher) OnError(err *status.Status) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onClusterError(w, err) })
}

func (w *clusterWatcher) OnResourceDoesNotExist() {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onClusterResourceNotFound(w) })
}

type endpointsWatcher struct {
	cluster string
	parent  *Manager
}

func (w *endpointsWatcher) OnResourceChanged(cla *v3endpointpb.ClusterLoadAssignment) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onEndpointsResourceChanged(w, cla) })
}

func (w *endpointsWatcher) OnError(err *status.Status) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onEndpointsError(w, err) })
}

func (w *endpointsWatcher) OnResourceDoesNotExist() {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onEndpointsResourceNotFound(w) })
}

type dnsWatcher struct {
	cluster string
	parent  *Manager
}

func (w *dnsWatcher) OnSuccessfulResolution(addresses []resource.Address) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onDNSResolved(w, addresses) })
}

func (w *dnsWatcher) OnError(err *status.Status) {
	w.parent.serializer.Schedule(func(context.Context) { w.parent.onDNSError(w, err) })
}
