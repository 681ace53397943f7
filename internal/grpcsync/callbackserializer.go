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

// Package grpcsync provides a single-goroutine executor that serializes
// arbitrary closures, used to guarantee that upstream xDS callbacks and
// downstream subscription calls never run concurrently with each other.
package grpcsync

import "context"

// CallbackSerializer provides a mechanism to schedule callbacks in a
// synchronized manner. All callbacks scheduled via this serializer run in
// the same goroutine, one at a time, in the order they were scheduled.
//
// This type is what keeps the dependency manager's reconciliation state
// free of locks: depmgr.Manager's AddClusterSubscription, UpdateResolution
// and every watcher callback schedule their work through a
// CallbackSerializer, and Close cancels it and waits for Done before
// tearing that state down.
type CallbackSerializer struct {
	ctx context.Context

	callbacks chan func(context.Context)
	done      chan struct{}
}

// NewCallbackSerializer returns a new CallbackSerializer instance. The
// provided context is passed to the scheduled callbacks. Users should
// cancel the provided context to shut down the serializer; it is guaranteed
// that no callbacks are executing or will be executed after the Done
// channel is closed.
func NewCallbackSerializer(ctx context.Context) *CallbackSerializer {
	cs := &CallbackSerializer{
		ctx:       ctx,
		callbacks: make(chan func(context.Context), 16),
		done:      make(chan struct{}),
	}
	go cs.run()
	return cs
}

// Schedule adds a callback to be scheduled on the serializer's goroutine. It
// returns false if the callback could not be scheduled because the
// serializer is already closed, and true otherwise.
//
// Callbacks are expected not to block indefinitely, and successful
// scheduling does not imply any guarantee on when the callback is
// executed; the serializer cancels the context passed to the callback when
// it is asked to stop, and the callback is expected to check the context
// before performing any work.
func (cs *CallbackSerializer) Schedule(f func(ctx context.Context)) bool {
	if cs.ctx.Err() != nil {
		return false
	}
	select {
	case cs.callbacks <- f:
		return true
	case <-cs.ctx.Done():
		return false
	}
}

func (cs *CallbackSerializer) run() {
	defer close(cs.done)

	for {
		select {
		case cb := <-cs.callbacks:
			cb(cs.ctx)
		case <-cs.ctx.Done():
			cs.drain()
			return
		}
	}
}

// drain runs any callback already sitting in the queue at the moment the
// context was cancelled, so that teardown callbacks (cancelling watches,
// releasing subscriptions) scheduled just before Close still execute.
func (cs *CallbackSerializer) drain() {
	for {
		select {
		case cb := <-cs.callbacks:
			cb(cs.ctx)
		default:
			return
		}
	}
}

// Done returns a channel that is closed after the context passed to
// NewCallbackSerializer is cancelled and the serializer has stopped
// processing callbacks.
func (cs *CallbackSerializer) Done() <-chan struct{} {
	return cs.done
}
