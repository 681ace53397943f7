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
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Unavailablef builds an UNAVAILABLE status with a formatted details
// string, used for every synthesized error (a missing virtual host, a
// cluster that does not exist).
func Unavailablef(format string, args ...interface{}) *status.Status {
	return status.New(codes.Unavailable, fmt.Sprintf(format, args...))
}

// ClusterNotFoundError returns the status reported for a cluster resource
// the control plane says does not exist.
func ClusterNotFoundError(clusterName string) *status.Status {
	return Unavailablef("Cluster resource %s does not exist", clusterName)
}

// NoMatchingVirtualHostError returns the status surfaced when no virtual
// host's domains match the data-plane authority.
func NoMatchingVirtualHostError(authority string) *status.Status {
	return Unavailablef("No matching route found for %s", authority)
}
