// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package api provides the gateway's admin and discovery HTTP surface:
model listing, Governor usage snapshots, the provider/model bindings
editor, error log inspection, synthetic health checks, and the static
admin console.

Routes are registered on a plain *http.ServeMux, following the pack's
established config/api.go idiom: one handler per resource, a shared
writeJSON helper, and method dispatch inside each handler rather than a
third-party router.
*/
package api
