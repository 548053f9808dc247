// Package token issues and verifies the signed session tokens carried in
// the "jwt" cookie.
//
// Tokens are HS256 JWTs whose subject is the user id. The signing secret
// comes from PULSE_JWT_SECRET; when production policy requires it, the
// secret must be at least MinSecretBytes long.
package token
