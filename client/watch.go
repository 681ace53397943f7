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

// Package client declares the interfaces the dependency manager consumes
// from its external collaborators: the xDS transport client and the
// name-resolver factory used for LOGICAL_DNS clusters. The dependency
// manager never dials a channel itself; it only starts and cancels watches
// through these interfaces and reacts to their callbacks.
package client

import (
	"google.golang.org/grpc/status"

	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"

	"github.com/coreproxy/xds-depmgr/resource"
)

// Watcher is the callback contract the xDS client delivers updates
// through, for any one of the four resource kinds. onResourceChanged may be
// called many times with the latest value; onError signals a transient
// control-plane failure that may be followed by a later success;
// onResourceDoesNotExist is an authoritative negative.
type Watcher[R any] interface {
	OnResourceChanged(update R)
	OnError(err *status.Status)
	OnResourceDoesNotExist()
}

// CancelFunc stops a previously started watch.
type CancelFunc func()

// XDSClient is the subset of the xDS transport client the dependency
// manager depends on: a typed watch per resource kind, with start and
// cancel collapsed into a single call that returns the cancel function.
type XDSClient interface {
	WatchListener(name string, w Watcher[resource.ListenerUpdate]) CancelFunc
	WatchRouteConfig(name string, w Watcher[resource.RouteConfigUpdate]) CancelFunc
	WatchCluster(name string, w Watcher[resource.CdsUpdate]) CancelFunc
	WatchEndpoints(name string, w Watcher[*v3endpointpb.ClusterLoadAssignment]) CancelFunc
}

// ConfigWatcher is the downstream load-balancer configuration consumer:
// the single watcher that receives settled snapshots from the dependency
// manager. The dependency manager only ever calls these three methods.
type ConfigWatcher interface {
	// OnUpdate delivers a complete snapshot.
	OnUpdate(config resource.XdsConfig)
	// OnError reports a transient control-plane failure at the listener or
	// route-config level, for states where no snapshot can yet be formed.
	OnError(context string, err *status.Status)
	// OnResourceDoesNotExist reports an authoritative negative at the
	// listener or route-config level.
	OnResourceDoesNotExist(context string)
}
