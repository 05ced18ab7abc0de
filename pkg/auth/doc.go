// Package auth guards the control plane boundary with opaque bearer
// credentials.
//
// A credential is 32 bytes of randomness, hex-encoded, handed out
// exactly once at mint time. Only the SHA-256 digest is persisted, so
// neither the database nor the credential listing can reproduce a
// usable token. Verification is an in-memory digest lookup kept in
// sync with the store, which keeps the per-request cost flat.
//
// Scopes bound what a credential may call: admin covers everything
// including credential management, tenant binds the caller to one
// tenant's runs and budget views, worker covers executor registration
// and the queue surface. Scope enforcement itself lives in the API
// layer; this package only says who the caller is.
//
// On first start with authentication enabled the server mints a
// bootstrap admin credential and logs the secret once. Losing it means
// deleting the credential row and restarting, not recovering it.
package auth
