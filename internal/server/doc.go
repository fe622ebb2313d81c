// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

/*
Package server manages the lifecycle of a single HTTP listener: binding
the socket, serving in the background, and draining it on shutdown. The
gateway runs two independent Managers side by side (the proxy/admin mux
and the Prometheus mux), each with its own async error channel, so a
fatal error on one listener doesn't have to be plumbed through the
other's code path.

# Core types

  - Manager: holds the http.Server, its net.Listener, and an async error
    channel; exposes Start/Shutdown/Errors.
  - Config: listen address, read/write/idle timeouts, max header size,
    and the shutdown grace period.

# Capabilities

  - Non-blocking start: Start binds the listener and runs Serve on a
    background goroutine.
  - Graceful shutdown: Shutdown drains in-flight requests within the
    configured timeout; idempotent.
  - Error propagation: Errors() returns the channel a background Serve
    failure is pushed onto, for a caller coordinating several listeners
    under one errgroup.
*/
package server
