// Package client is the HTTP/JSON implementation of the persistence collaborators
// a draft session calls: challenge create, full update, partial update and fetch,
// plus role assignment create, delete and list.
//
// Every response is wrapped in an envelope:
//
//	{"success": true, "data": {...}}
//	{"success": false, "error": {"code": "NOT_FOUND", "message": "challenge not found"}}
//
// Failures come back as *APIError. Requests wait on a token bucket limiter when
// WithRateLimit is given; the wait honours the request context.
package client
