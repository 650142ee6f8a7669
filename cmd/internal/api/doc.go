// Package api serves the device and slot HTTP endpoints.
//
// Every route except the health probes requires "Authorization: Bearer
// <token>". Administrative routes additionally require an admin-capable role;
// the domain services enforce that rule, the handlers only map errors.
package api
