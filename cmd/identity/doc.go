// Package identity holds chat user accounts and their credential storage.
//
// Password hashing happens in the caller; stores only ever see the encoded
// hash. Two stores are provided: an in-memory store for dev/tests and a
// PostgreSQL store.
package identity
