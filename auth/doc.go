// Package auth validates bearer tokens presented to the streamable HTTP
// transport.
//
// Three constructors cover the usual deployments:
//
//	NewFromDiscovery : issuer with OIDC discovery; JWKS fetched and refreshed
//	NewStatic        : issuer and JWKS URI configured directly
//	NewSharedSecret  : HS256 tokens signed with a shared secret (local setups)
//
// All of them validate signature, issuer, audience and expiry and return a
// UserInfo whose UserID is the token subject. The stdio transport does not
// use this package.
package auth
