// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config manages the gateway's configuration lifecycle: multi-source
loading, runtime hot reload of the provider/model tables, and defaults.
Config merges in "defaults -> YAML file -> environment variables" priority.

# Core types

  - Config: top-level aggregate covering Server, Log, Telemetry, and
    Gateway (the api_provider / model_config document).
  - Loader: builder-pattern config loader chaining file path, env prefix,
    and validators.
  - Watcher: fsnotify-backed file watcher that triggers a reload callback
    when the configuration document changes on disk.
*/
package config
