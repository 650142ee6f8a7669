// Package token issues and verifies the PASETO v4.public access tokens
// presented by stations, consoles and the presence feed.
//
// Tokens carry the account id, display name and role. The role in a token is
// a hint: Authenticator lets a stored role override it.
package token
