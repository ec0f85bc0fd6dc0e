/*
 *
 * Copyright 2017 gRPC authors.
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
 *
 */

// Package keepalive defines the TCP keepalive parameters the bus/tcp
// transport actually consumes: how long a connection may sit idle before
// probing it, and how long to wait for a response before declaring it dead.
package keepalive

import (
	"time"
)

// ClientParameters configures how bus/tcp.NewConn arms TCP-level keepalive
// on a dialed connection (net.TCPConn.SetKeepAlive/SetKeepAlivePeriod).
type ClientParameters struct {
	// Time is the keepalive probe period. The zero value disables keepalive
	// entirely.
	Time time.Duration

	// Timeout bounds how long bus/tcp.Conn's read loop waits for any
	// activity before declaring the connection dead.
	Timeout time.Duration
}

// ServerParameters configures the keepalive bus/tcp.Listener applies to
// every accepted connection; it carries the same two fields as
// ClientParameters since the accepting side arms the identical TCP-level
// mechanism, just read from the listener's own configuration.
type ServerParameters struct {
	Time    time.Duration
	Timeout time.Duration
}
