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

// Package resource holds the already-decoded xDS types the dependency
// manager operates on (Listener, RouteConfiguration, Cluster and Endpoint
// updates), plus the domain matcher and endpoint normalizer that turn raw
// control-plane shapes into the uniform structures the reconciler reasons
// about. It intentionally does not decode wire bytes itself except for EDS
// normalization; Listener/RouteConfiguration decoding is treated as already
// done by an external collaborator.
package resource

import "google.golang.org/grpc/status"

// DiscoveryType is the CDS discovery mechanism of a cluster.
type DiscoveryType int

const (
	// AggregateType clusters fan out to other clusters named in
	// AggregateChildren.
	AggregateType DiscoveryType = iota
	// EDSType clusters are resolved via an EDS watch.
	EDSType
	// LogicalDNSType clusters are resolved via a DNS lookup.
	LogicalDNSType
)

func (t DiscoveryType) String() string {
	switch t {
	case AggregateType:
		return "AGGREGATE"
	case EDSType:
		return "EDS"
	case LogicalDNSType:
		return "LOGICAL_DNS"
	default:
		return "UNKNOWN"
	}
}

// CdsUpdate is the decoded contents of a CDS response for a single cluster.
type CdsUpdate struct {
	ClusterName string
	Type        DiscoveryType

	// AggregateChildren is set when Type is AggregateType.
	AggregateChildren []string

	// EDSServiceName is set when Type is EDSType. When empty, the EDS watch
	// is started on ClusterName itself.
	EDSServiceName string

	// DNSHostname is set when Type is LogicalDNSType.
	DNSHostname string
}

// EdsServiceNameOrClusterName returns the name an EDS watch should be
// started on for this cluster: EDSServiceName when set, ClusterName
// otherwise.
func (u CdsUpdate) EdsServiceNameOrClusterName() string {
	if u.EDSServiceName != "" {
		return u.EDSServiceName
	}
	return u.ClusterName
}

// ClusterInfo is the per-cluster payload once a CDS update has been
// successfully received: the CDS update itself, plus whatever endpoint
// information (if any) has since arrived for non-aggregate clusters.
//
// This is a discriminated-by-Type struct rather than a Go sum type:
// LatestEndpoints/ResolutionNote are meaningful only when Type is EDSType
// or LogicalDNSType.
type ClusterInfo struct {
	CdsUpdate CdsUpdate

	// LatestEndpoints holds the last normalized endpoint data received for
	// an EDS or LOGICAL_DNS cluster. Nil until the sub-watch produces a
	// result.
	LatestEndpoints *EndpointResource

	// ResolutionNote describes why LatestEndpoints is stale or absent
	// without being a hard error (e.g. "Resource does not exist").
	ResolutionNote string
}

// Address is one (host, port) pair in an Endpoint.
type Address struct {
	Host string
	Port uint32
}

// Endpoint is one logical backend: an ordered list of addresses. When
// dual-stack is disabled only the primary address (index 0) is populated.
type Endpoint struct {
	Addresses []Address
}

// WeightedEndpoint is an Endpoint plus its load balancing weight.
type WeightedEndpoint struct {
	Endpoint Endpoint
	Weight   uint32
}

// LocalityID identifies a locality by region/zone/sub-zone.
type LocalityID struct {
	Region  string
	Zone    string
	SubZone string
}

// LocalityEntry is one locality's worth of endpoints within a priority.
type LocalityEntry struct {
	Locality  LocalityID
	Weight    uint32
	Endpoints []WeightedEndpoint
}

// PriorityEntry holds the localities at one priority level.
type PriorityEntry struct {
	Localities []LocalityEntry
}

// DropCategory is a named class of requests to drop, expressed per million.
type DropCategory struct {
	Category           string
	RequestsPerMillion uint32
}

// EndpointResource is the uniform, normalized output of either EDS or DNS
// resolution: a dense, order-preserving list of priorities plus any drop
// overloads.
type EndpointResource struct {
	Priorities     []PriorityEntry
	DropCategories []DropCategory
}

// RouteActionType distinguishes how a Route selects its destination
// cluster(s).
type RouteActionType int

const (
	// RouteActionCluster routes to a single named cluster.
	RouteActionCluster RouteActionType = iota
	// RouteActionWeightedClusters routes to one of several clusters by
	// weight.
	RouteActionWeightedClusters
	// RouteActionClusterHeader selects the cluster dynamically from a
	// request header; it contributes no static cluster dependency.
	RouteActionClusterHeader
)

// WeightedCluster is one entry of a weighted_clusters route action.
type WeightedCluster struct {
	Name   string
	Weight uint32
}

// Route is one route entry of a virtual host.
type Route struct {
	ActionType       RouteActionType
	Cluster          string            // set when ActionType == RouteActionCluster
	WeightedClusters []WeightedCluster // set when ActionType == RouteActionWeightedClusters
	ClusterHeader    string            // set when ActionType == RouteActionClusterHeader
}

// VirtualHost is a set of domain patterns plus the routes they own.
type VirtualHost struct {
	Domains []string
	Routes  []Route
}

// RouteConfigUpdate is a decoded RouteConfiguration: an ordered list of
// virtual hosts.
type RouteConfigUpdate struct {
	VirtualHosts []VirtualHost
}

// ListenerUpdate is a decoded Listener resource. Exactly one of
// RouteConfigName or InlineRouteConfig is set.
type ListenerUpdate struct {
	RouteConfigName   string
	InlineRouteConfig *RouteConfigUpdate
}

// ClusterChildren is the discriminated children payload of a ClusterConfig:
// either an aggregate's direct child cluster names or a leaf's endpoint
// data.
type ClusterChildren struct {
	// IsAggregate is true when this cluster is an AGGREGATE cluster; in
	// that case LeafClusters is populated and Endpoints/ResolutionNote are
	// not.
	IsAggregate bool

	// LeafClusters mirrors the cluster's current direct children (not
	// transitively flattened), named "leaf" only because that's the output
	// schema's field name.
	LeafClusters []string

	// Endpoints is the normalized endpoint data for a non-aggregate
	// cluster, if any has arrived yet.
	Endpoints *EndpointResource
	// ResolutionNote explains why Endpoints is absent or stale, if so.
	ResolutionNote string
}

// ClusterConfig is the per-cluster success payload of an XdsConfig.
type ClusterConfig struct {
	Cluster  CdsUpdate
	Children ClusterChildren
}

// ClusterResult is either a successful ClusterConfig or a per-cluster
// error. Exactly one of the two fields is set.
type ClusterResult struct {
	Config *ClusterConfig
	Err    *status.Status
}

// XdsConfig is the complete snapshot the dependency manager emits to the
// downstream watcher exactly when the cluster tree is settled.
type XdsConfig struct {
	Listener    ListenerUpdate
	RouteConfig RouteConfigUpdate
	VirtualHost VirtualHost
	Clusters    map[string]ClusterResult
}
