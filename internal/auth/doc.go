// Package auth protects the relay's operator endpoints.
//
// Host and guest channels are not covered here; host passwords are checked by
// the relay package. This package only guards the admin HTTP API.
//
// # JWT Tokens
//
// Operators authenticate with HS256 JWTs signed with auth.jwt_secret. The
// secret must be at least MinSecretLength bytes. Tokens carry a "sub" claim
// naming the operator and an "exp" claim; `coven-relay token` mints them.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware reads "Authorization: Bearer <token>", verifies it, and
// stores an AuthContext in the request context. Handlers read it back with
// FromContext. Failures answer 401 with a JSON error body.
package auth
