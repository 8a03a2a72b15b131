// Package auth provides authentication and authorization for channel-router.
//
// # Authentication
//
// Clients authenticate with HS256 JWT tokens signed with the configured
// auth.jwt_secret (at least MinSecretLength bytes). The "sub" claim is the
// principal id; it becomes the authorId of every message sent over that
// connection. An optional "roles" claim carries role names.
//
// When auth.jwt_secret is empty the router runs unauthenticated and clients
// name their own authorId.
//
// # HTTP
//
//	HTTPAuthMiddleware(verifier) // 401 without a valid token
//	RequireAdminHTTP()           // 403 unless the principal is admin or owner
//
// Tokens are read from "Authorization: Bearer <token>" or, for websocket
// upgrades from browsers, the "token" query parameter.
//
// # Sockets
//
// Authenticator(verifier) adapts a verifier to the hub's upgrade hook.
package auth
