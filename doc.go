// Package backline is an end-to-end encrypted messaging client core. It
// keeps one identity key pair per session, encrypts every message with a
// fresh AES-256-GCM key wrapped under the recipient's RSA-OAEP public key,
// and moves frames over a self-healing websocket connection to the relay.
//
// A session is booted with New, which acquires the session lock, opens the
// local cache, ensures the identity key exists in the key directory, and
// connects. The Client facade exposes sends, receipts, typing state and an
// event stream; see the cmd/backlined entrypoint for a minimal embedding.
package backline
