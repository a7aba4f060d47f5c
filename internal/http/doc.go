// Package httpapp provides the HTTP server for Keypost.
//
// Authentication is a challenge-response exchange bound to the keypost_sid
// cookie:
//
//	┌──────────────────┐     ┌──────────────────┐     ┌──────────────────┐
//	│  1. Challenge    │────▶│  2. Sign locally │────▶│  3. Login        │
//	│  POST /api/auth/ │     │  RSA PKCS#1 v1.5 │     │  POST /api/auth/ │
//	│     challenge    │     │  over SHA-256    │     │     login        │
//	└──────────────────┘     └──────────────────┘     └──────────────────┘
//
// The first successful login with a key creates the identity. Every later
// login with the same key signs in to it. Login returns a bearer token and
// also sets it as the keypost_session cookie. Clients that cannot sign may
// upload private_key_file as multipart form data instead. Logout revokes the
// presented token server-side, so a copied bearer token stops working too.
//
// Posts carry a signature over "title|body|timestamp" made with the author's
// key. The server verifies it on write and again on every read against the
// author's current key, so signature_valid in responses is always fresh.
//
//	curl -c jar -b jar -X POST /api/auth/challenge
//	curl -c jar -b jar -X POST /api/auth/login -d '{"public_key":"...","challenge":"...","signature":"..."}'
//	curl -b jar -X POST /api/posts -d '{"title":"...","body":"...","timestamp":"...","signature":"..."}'
package httpapp
