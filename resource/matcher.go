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

import "strings"

// patternClass ranks domain patterns by specificity; lower is better.
type patternClass int

const (
	classExact patternClass = iota
	classSuffix
	classPrefix
	classUniverse
	classInvalid
)

func classify(pattern string) patternClass {
	if pattern == "" {
		return classInvalid
	}
	if pattern == "*" {
		return classUniverse
	}
	stars := strings.Count(pattern, "*")
	switch {
	case stars == 0:
		return classExact
	case stars == 1 && strings.HasPrefix(pattern, "*"):
		return classSuffix
	case stars == 1 && strings.HasSuffix(pattern, "*"):
		return classPrefix
	default:
		return classInvalid
	}
}

// matchesPattern reports whether authority matches pattern, given pattern's
// precomputed class.
func matchesPattern(authority, pattern string, class patternClass) bool {
	switch class {
	case classExact:
		return authority == pattern
	case classSuffix:
		return strings.HasSuffix(authority, pattern[1:])
	case classPrefix:
		return strings.HasPrefix(authority, pattern[:len(pattern)-1])
	case classUniverse:
		return true
	default:
		return false
	}
}

// FindBestMatchingVirtualHost returns the virtual host among vhosts whose
// domain pattern is the best match for authority, or nil if none match.
//
// "Best" means: lowest pattern class (EXACT beats SUFFIX beats PREFIX beats
// UNIVERSE), ties broken by longest pattern; first-seen wins further ties.
// Traversal short-circuits the moment an EXACT match is found, since
// nothing can beat it.
func FindBestMatchingVirtualHost(authority string, vhosts []VirtualHost) *VirtualHost {
	var (
		best      *VirtualHost
		bestClass = classInvalid
		bestLen   = -1
	)

	for i := range vhosts {
		vh := &vhosts[i]
		for _, pattern := range vh.Domains {
			class := classify(pattern)
			if class == classInvalid || !matchesPattern(authority, pattern, class) {
				continue
			}
			if class > bestClass {
				continue
			}
			if class == bestClass && len(pattern) <= bestLen {
				continue
			}
			best = vh
			bestClass = class
			bestLen = len(pattern)
			if class == classExact {
				return best
			}
		}
	}
	return best
}
