// Package api exposes draft editing sessions over HTTP.
//
// A presentation layer opens a session (optionally loading an existing
// challenge), sends draft edits to the mutations endpoint, and triggers
// create, save, save-draft and launch commits. Each open session has its
// patches sent in the background on the configured tick. The websocket
// endpoint pushes the session state after every engine event so the editor
// can show saving indicators, notices and readiness without polling.
//
// Routes:
//
//	GET    /health
//	GET    /ready
//	GET    /api/v1/sessions
//	POST   /api/v1/sessions                   {"challengeId": "..."}
//	GET    /api/v1/sessions/{id}
//	DELETE /api/v1/sessions/{id}[?flush=true]
//	POST   /api/v1/sessions/{id}/mutations    {"op": "scalar", "field": "name", "value": "..."}
//	POST   /api/v1/sessions/{id}/validate
//	POST   /api/v1/sessions/{id}/create
//	POST   /api/v1/sessions/{id}/commit       {"status": "Draft"}
//	POST   /api/v1/sessions/{id}/launch
//	POST   /api/v1/sessions/{id}/save-draft
//	POST   /api/v1/sessions/{id}/save
//	POST   /api/v1/sessions/{id}/flush
//	GET    /api/v1/sessions/{id}/events
//	GET    /api/v1/sessions/{id}/ws[?level=warn&types=patch.failed,commit.failed]
//	GET    /api/v1/templates?typeId=...
//	GET    /api/v1/drafts?limit=&offset=
//
// Every JSON response uses the {success, data, error{code, message}} envelope.
package api
