// Package auth issues and validates the hub's JWTs and enforces the
// request authentication chain: skipAuth accepts everything, a matching
// bearer key accepts, otherwise a valid token must arrive in the
// x-auth-token header or the token query parameter.
package auth
