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

// Package xdslog wraps a go-kit logger with a component prefix, mirroring
// the role grpc-go's internal/grpclog.PrefixLogger plays for the xds
// resolver: every log line is tagged with which manager instance and which
// resource kind produced it.
package xdslog

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is a prefix-tagged logger. The zero value is not usable; construct
// one with New.
type Logger struct {
	logger log.Logger
	prefix string
}

// New returns a Logger that writes through base, tagging every line with
// prefix (the manager uses "xds-depmgr-<id>").
func New(base log.Logger, prefix string) *Logger {
	return &Logger{logger: log.With(base, "component", prefix), prefix: prefix}
}

// WithPrefix returns a derived Logger that appends suffix to the current
// prefix, used when descending into per-cluster or per-resource-kind
// logging (e.g. Logger.WithPrefix("cluster[c1]")).
func (l *Logger) WithPrefix(suffix string) *Logger {
	return &Logger{logger: l.logger, prefix: l.prefix + "/" + suffix}
}

// Infof logs an informational message.
func (l *Logger) Infof(format string, args ...interface{}) {
	level.Info(l.logger).Log("msg", fmt.Sprintf(format, args...), "prefix", l.prefix)
}

// Warningf logs a message about a condition the manager recovered from.
func (l *Logger) Warningf(format string, args ...interface{}) {
	level.Warn(l.logger).Log("msg", fmt.Sprintf(format, args...), "prefix", l.prefix)
}

// Errorf logs a message about a condition that prevented forward progress.
func (l *Logger) Errorf(format string, args ...interface{}) {
	level.Error(l.logger).Log("msg", fmt.Sprintf(format, args...), "prefix", l.prefix)
}
