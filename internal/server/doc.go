// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is the Zeno relay HTTP API.
//
// # Endpoints
//
//   - POST /api/chat           - relay a chat completion as {"content"} events
//   - POST /api/generate-image - generate an image, returned as a data URI
//   - GET  /api/image-models   - list image model ids
//   - GET  /api/status         - which provider credentials are present
//   - GET  /api/stats          - request counters
//   - GET  /health             - liveness
//
// Errors are JSON bodies of the form {"error": "...", "kind": "..."} where
// kind is one of validation, configuration, upstream, internal, auth or
// rate_limit.
//
// # Middleware
//
// Recovery, security headers, request logging, CORS, a per-client token
// bucket and optional bearer token authentication, applied in that order.
//
// # Usage
//
//	srv := server.New(cfg).WithLogger(logger).WithMetrics(metrics)
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
