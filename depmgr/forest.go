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
	"google.golang.org/grpc/status"

	"github.com/coreproxy/xds-depmgr/client"
	"github.com/coreproxy/xds-depmgr/resource"
)

// ClusterNode is the per-cluster record: the CDS watch handle, the last
// CDS-derived payload (or error), the aggregate's direct children, and
// whatever sub-watch (EDS) or resolver (DNS) the node currently owns.
//
// The CDS/EDS/DNS watcher-identity fields exist purely to guard against
// reentrant callbacks racing a torn-down watch: a callback is only honored
// if it still matches the watcher object stored here.
type ClusterNode struct {
	Name string

	CDSCancel     client.CancelFunc
	cdsWatcherRef interface{}

	// Info holds the last successfully applied CDS update; it is nil before
	// the first one and again after CDS reports the cluster does not exist.
	// Err is set when the node has never been Ok, or when CDS reports the
	// cluster does not exist.
	Info *resource.ClusterInfo
	Err  *status.Status

	// Children mirrors the last AGGREGATE update's AggregateChildren, or
	// nil for non-aggregate nodes.
	Children []string

	EDSCancel     client.CancelFunc
	edsWatcherRef interface{}

	DNSHandle     client.ResolverHandle
	dnsWatcherRef interface{}
}

// Ready reports whether this node can take part in a settled snapshot: an
// Err node is always ready; an Ok AGGREGATE node is always ready; an Ok
// EDS/LOGICAL_DNS node is ready once the sub-watch has produced any outcome
// at all (endpoints or a resolution note).
func (n *ClusterNode) Ready() bool {
	if n.Err != nil {
		return true
	}
	if n.Info == nil {
		return false
	}
	if n.Info.CdsUpdate.Type == resource.AggregateType {
		return true
	}
	return n.Info.LatestEndpoints != nil || n.Info.ResolutionNote != ""
}

// Forest is the set of cluster nodes indexed by name. It holds no
// watch-starting logic itself: Manager owns the xDS client and decides
// when to start/cancel watches; Forest only tracks reachability and
// membership.
type Forest struct {
	nodes map[string]*ClusterNode
}

// NewForest returns an empty forest.
func NewForest() *Forest {
	return &Forest{nodes: make(map[string]*ClusterNode)}
}

// Get returns the node for name, if present.
func (f *Forest) Get(name string) (*ClusterNode, bool) {
	n, ok := f.nodes[name]
	return n, ok
}

// EnsureNode returns the existing node for name, or creates and inserts an
// empty one. created is true iff a new node was inserted; the caller (the
// reconciler) is responsible for starting name's CDS watch in that case.
func (f *Forest) EnsureNode(name string) (node *ClusterNode, created bool) {
	if n, ok := f.nodes[name]; ok {
		return n, false
	}
	n := &ClusterNode{Name: name}
	f.nodes[name] = n
	return n, true
}

// Remove deletes name from the forest and returns its node so the caller
// can tear down its watches.
func (f *Forest) Remove(name string) (*ClusterNode, bool) {
	n, ok := f.nodes[name]
	if !ok {
		return nil, false
	}
	delete(f.nodes, name)
	return n, true
}

// Names returns every cluster name currently in the forest, in no
// particular order.
func (f *Forest) Names() []string {
	out := make([]string, 0, len(f.nodes))
	for name := range f.nodes {
		out = append(out, name)
	}
	return out
}

// Len reports how many nodes are in the forest.
func (f *Forest) Len() int {
	return len(f.nodes)
}

// Reachable computes the set of cluster names reachable from roots by
// following Children edges of nodes present in the forest. The traversal
// tolerates graph cycles by tracking a visited set.
func (f *Forest) Reachable(roots []string) map[string]bool {
	visited := make(map[string]bool, len(f.nodes))
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[name] {
			continue
		}
		node, ok := f.nodes[name]
		if !ok {
			// Root named but not yet (or no longer) in the forest; nothing
			// to mark reachable through it, but the name itself is still
			// "reachable" for root-membership purposes.
			visited[name] = true
			continue
		}
		visited[name] = true
		stack = append(stack, node.Children...)
	}
	return visited
}

// Prune removes every node not reachable from roots and returns the
// removed nodes so the caller can cancel their watches.
func (f *Forest) Prune(roots []string) []*ClusterNode {
	reachable := f.Reachable(roots)
	var removed []*ClusterNode
	for name, node := range f.nodes {
		if !reachable[name] {
			delete(f.nodes, name)
			removed = append(removed, node)
		}
	}
	return removed
}
