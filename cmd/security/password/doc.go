// Package password hashes and verifies account passwords with Argon2id.
//
// Hashes use the PHC-style "$argon2id$v=19$m=..,t=..,p=..$salt$key" encoding.
// Stored hashes are treated as untrusted input: Verify refuses parameters far
// beyond the configured cost.
package password
