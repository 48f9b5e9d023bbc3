// Package paysession defines paid access sessions: the record created when
// an agent pays for an endpoint, the Store contract that owns those records,
// scope matching, TTL clamping and the tagged errors shared by the router
// and the MCP tools.
//
// A session is active while now < ExpiresAt. Ending a session forces
// ExpiresAt to zero; the record lingers until the store prunes it.
//
// The in-memory implementation lives in paysession/memstore.
package paysession
