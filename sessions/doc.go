// Package sessions defines the MCP connection session handed to tool
// handlers, and Table, the in-memory registry transports use to track open
// connections.
//
// A connection session is distinct from a paid access session (package
// paysession): the former lives as long as an MCP client stays connected,
// the latter is a credential bought with an on-chain payment.
package sessions
