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

package client

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc/status"

	"github.com/coreproxy/xds-depmgr/resource"
)

// DNSWatcher receives results from a resolver created via ResolverFactory.
type DNSWatcher interface {
	OnSuccessfulResolution(addresses []resource.Address)
	OnError(err *status.Status)
}

// ResolverTarget names the host a LOGICAL_DNS cluster resolves, as a
// {scheme, path} pair. The dependency manager always passes scheme "dns"
// and the cluster's configured hostname as the path.
type ResolverTarget struct {
	Scheme string
	Path   string
}

// ResolverOptions are construction-time options for a resolver.
type ResolverOptions struct {
	DisableServiceConfig bool
}

// ResolverHandle is the handle returned by ResolverFactory.CreateResolver:
// it can be asked to (re-)resolve, and must be torn down with Close.
// Creation itself does not resolve; the caller triggers the initial
// resolution with UpdateResolution.
type ResolverHandle interface {
	UpdateResolution()
	Close()
}

// ResolverFactory creates name resolvers for LOGICAL_DNS clusters. The
// dependency manager only ever calls CreateResolver and the returned
// handle's two methods.
type ResolverFactory interface {
	CreateResolver(target ResolverTarget, w DNSWatcher, opts ResolverOptions) (ResolverHandle, error)
}

// NetResolverFactory is a default ResolverFactory backed by net.Resolver:
// one LookupHost call per UpdateResolution, nothing more. Deployments with
// their own resolver infrastructure plug in a different ResolverFactory.
type NetResolverFactory struct {
	Resolver *net.Resolver
}

// NewNetResolverFactory returns a NetResolverFactory using net.DefaultResolver.
func NewNetResolverFactory() *NetResolverFactory {
	return &NetResolverFactory{Resolver: net.DefaultResolver}
}

func (f *NetResolverFactory) CreateResolver(target ResolverTarget, w DNSWatcher, _ ResolverOptions) (ResolverHandle, error) {
	if target.Scheme != "dns" {
		return nil, fmt.Errorf("xds-depmgr: unsupported resolver scheme %q", target.Scheme)
	}
	host, port, err := net.SplitHostPort(target.Path)
	if err != nil {
		return nil, fmt.Errorf("xds-depmgr: invalid dns target %q: %w", target.Path, err)
	}

	r := f.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	return &netResolverHandle{resolver: r, host: host, port: port, watcher: w}, nil
}

type netResolverHandle struct {
	resolver *net.Resolver
	host     string
	port     string
	watcher  DNSWatcher
	cancel   context.CancelFunc
}

func (h *netResolverHandle) UpdateResolution() {
	ctx, cancel := context.WithCancel(context.Background())
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel

	go func() {
		ips, err := h.resolver.LookupHost(ctx, h.host)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.watcher.OnError(resource.Unavailablef("dns lookup for %s failed: %v", h.host, err))
			return
		}
		port := parsePortOrZero(h.port)
		addrs := make([]resource.Address, 0, len(ips))
		for _, ip := range ips {
			addrs = append(addrs, resource.Address{Host: ip, Port: port})
		}
		h.watcher.OnSuccessfulResolution(addrs)
	}()
}

func (h *netResolverHandle) Close() {
	if h.cancel != nil {
		h.cancel()
	}
}

func parsePortOrZero(s string) uint32 {
	var port uint32
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		port = port*10 + uint32(r-'0')
	}
	return port
}
