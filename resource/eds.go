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

package resource

import (
	"sort"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	v3typepb "github.com/envoyproxy/go-control-plane/envoy/type/v3"
)

// EndpointNormalizer converts raw EDS ClusterLoadAssignments and DNS
// resolution results into the uniform EndpointResource shape. DualStack is
// resolved once at construction and never changes afterwards.
type EndpointNormalizer struct {
	DualStack bool
}

// NewEndpointNormalizer returns a normalizer with the given dual-stack
// setting.
func NewEndpointNormalizer(dualStack bool) *EndpointNormalizer {
	return &EndpointNormalizer{DualStack: dualStack}
}

// NormalizeEDS converts a ClusterLoadAssignment into an EndpointResource:
// drop overloads become per-million drop categories, unhealthy endpoints
// and zero-weight localities are filtered out, and sparse priorities are
// collapsed to a dense, order-preserving list.
func (n *EndpointNormalizer) NormalizeEDS(cla *v3endpointpb.ClusterLoadAssignment) *EndpointResource {
	out := &EndpointResource{}

	for _, drop := range cla.GetPolicy().GetDropOverloads() {
		pct := drop.GetDropPercentage()
		if pct == nil {
			continue
		}
		out.DropCategories = append(out.DropCategories, DropCategory{
			Category:           drop.GetCategory(),
			RequestsPerMillion: requestsPerMillion(pct),
		})
	}

	byPriority := make(map[uint32][]LocalityEntry)
	for _, group := range cla.GetEndpoints() {
		weight := group.GetLoadBalancingWeight().GetValue()
		if weight == 0 {
			continue
		}

		endpoints := n.localityEndpoints(group.GetLbEndpoints())
		if len(endpoints) == 0 {
			continue
		}

		l := group.GetLocality()
		entry := LocalityEntry{
			Locality: LocalityID{
				Region:  l.GetRegion(),
				Zone:    l.GetZone(),
				SubZone: l.GetSubZone(),
			},
			Weight:    weight,
			Endpoints: endpoints,
		}
		priority := group.GetPriority()
		byPriority[priority] = append(byPriority[priority], entry)
	}

	if len(byPriority) == 0 {
		return out
	}

	priorities := make([]uint32, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })

	out.Priorities = make([]PriorityEntry, 0, len(priorities))
	for _, p := range priorities {
		out.Priorities = append(out.Priorities, PriorityEntry{Localities: byPriority[p]})
	}
	return out
}

func (n *EndpointNormalizer) localityEndpoints(lbEndpoints []*v3endpointpb.LbEndpoint) []WeightedEndpoint {
	var out []WeightedEndpoint
	for _, lb := range lbEndpoints {
		switch lb.GetHealthStatus() {
		case v3corepb.HealthStatus_UNKNOWN, v3corepb.HealthStatus_HEALTHY:
		default:
			continue
		}

		addr := lb.GetEndpoint().GetAddress().GetSocketAddress()
		if addr == nil {
			continue
		}
		addresses := []Address{{Host: addr.GetAddress(), Port: addr.GetPortValue()}}
		if n.DualStack {
			for _, extra := range lb.GetEndpoint().GetAdditionalAddresses() {
				sa := extra.GetAddress().GetSocketAddress()
				if sa == nil {
					continue
				}
				addresses = append(addresses, Address{Host: sa.GetAddress(), Port: sa.GetPortValue()})
			}
		}

		weight := lb.GetLoadBalancingWeight().GetValue()
		if weight == 0 {
			weight = 1
		}
		out = append(out, WeightedEndpoint{
			Endpoint: Endpoint{Addresses: addresses},
			Weight:   weight,
		})
	}
	return out
}

// requestsPerMillion converts a FractionalPercent's numerator/denominator
// into a per-million integer.
func requestsPerMillion(pct *v3typepb.FractionalPercent) uint32 {
	numerator := pct.GetNumerator()
	switch pct.GetDenominator() {
	case v3typepb.FractionalPercent_HUNDRED:
		return numerator * 10000
	case v3typepb.FractionalPercent_TEN_THOUSAND:
		return numerator * 100
	case v3typepb.FractionalPercent_MILLION:
		return numerator
	default:
		return numerator * 10000
	}
}

// NormalizeDNS wraps a flat list of resolved addresses into a single
// priority, single locality EndpointResource with no drop categories. An
// empty address list yields an EndpointResource with no priorities.
func (n *EndpointNormalizer) NormalizeDNS(addresses []Address) *EndpointResource {
	endpoints := make([]WeightedEndpoint, 0, len(addresses))
	for _, a := range addresses {
		endpoints = append(endpoints, WeightedEndpoint{Endpoint: Endpoint{Addresses: []Address{a}}, Weight: 1})
	}
	if len(endpoints) == 0 {
		return &EndpointResource{}
	}
	return &EndpointResource{
		Priorities: []PriorityEntry{{
			Localities: []LocalityEntry{{
				Locality:  LocalityID{},
				Weight:    1,
				Endpoints: endpoints,
			}},
		}},
	}
}
