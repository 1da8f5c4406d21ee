// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the verifier service.
//
// This package resolves the client identity that attempt budgets are charged
// to, and applies a per-client request rate limit in front of the challenge
// endpoints.
//
// # Identity Resolution
//
// The attempt ledger needs a stable key per client. The resolver prefers an
// explicit X-Client-Id header (set by an embedding application that already
// knows its users), falling back to the remote IP. The identity is opaque to
// every layer below the middleware; nothing parses it.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// clientIDKey is the context key for the resolved client identity.
const clientIDKey = "stabilizer_client_id"

// ClientIDHeader is the header an embedding application can set to bind
// attempts to its own user identifier instead of the remote IP.
const ClientIDHeader = "X-Client-Id"

// maxClientIDLength bounds header-supplied identities; longer values are
// truncated rather than rejected.
const maxClientIDLength = 128

// GetClientID returns the identity resolved for this request.
//
// Returns the empty string if ClientIdentity did not run, which only
// happens on routes registered without it.
func GetClientID(c *gin.Context) string {
	id, _ := c.Get(clientIDKey)
	s, _ := id.(string)
	return s
}

// ClientIdentity resolves and stores the client identity for the request.
//
// # Description
//
// Uses the X-Client-Id header when present and non-blank, otherwise the
// remote IP as reported by gin (which honors trusted proxy settings).
//
// # Outputs
//
//   - gin.HandlerFunc: middleware storing the identity for GetClientID.
func ClientIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(ClientIDHeader))
		if id == "" {
			id = c.ClientIP()
		}
		if len(id) > maxClientIDLength {
			id = id[:maxClientIDLength]
		}
		c.Set(clientIDKey, id)
		c.Next()
	}
}
