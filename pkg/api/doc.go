// Package api exposes the drover control plane over REST.
//
// The server is a thin translation layer: every handler decodes a
// request, calls one engine or registry method, and encodes the result
// or a categorized error. No orchestration logic lives here.
//
// # Routes
//
//	POST   /v1/runs                       submit a run (202; ?wait=true drives inline)
//	GET    /v1/runs                       list runs (?tenant=, ?state=)
//	GET    /v1/runs/{id}                  fetch one run
//	GET    /v1/runs/{id}/history          state transition records
//	GET    /v1/runs/{id}/events           event log (?limit=N tails)
//	POST   /v1/runs/{id}/pause            pause at the next stage boundary
//	POST   /v1/runs/{id}/decision         resolve a paused run
//	POST   /v1/runs/{id}/input            patch a paused run's spec and resume
//	GET    /v1/runs/{id}/artifacts        bundle file listing
//	GET    /v1/runs/{id}/artifacts/{path} one artifact, raw
//	GET    /v1/runs/{id}/manifest         seal manifest with content hashes
//	GET    /v1/runs/{id}/bundle           whole bundle as a tar stream
//
//	POST   /v1/tenants                    create a tenant
//	GET    /v1/tenants                    list tenants
//	GET    /v1/tenants/{id}               fetch one tenant
//	POST   /v1/tenants/{id}/suspend       stop admitting the tenant's runs
//	POST   /v1/tenants/{id}/resume        re-enable admissions
//	PUT    /v1/tenants/{id}/budget        replace the budget profile
//	PUT    /v1/tenants/{id}/learning      replace the learning profile
//	GET    /v1/tenants/{id}/budget        live budget status
//	GET    /v1/tenants/{id}/forecast      spend projection (?estimate=)
//
//	GET    /v1/queue                      queue snapshot
//	GET    /v1/workers                    registered workers
//	POST   /v1/workers                    register a remote worker
//	POST   /v1/workers/{id}/heartbeat     refresh worker liveness
//	DELETE /v1/workers/{id}               deregister a worker
//
//	POST   /v1/tokens                     mint a credential (admin; auth mode only)
//	GET    /v1/tokens                     list credentials, digests never included
//	DELETE /v1/tokens/{id}                revoke a credential
//
//	GET    /healthz                       process liveness
//	GET    /readyz                        traffic readiness (drains on shutdown)
//	GET    /metrics                       Prometheus exposition
//
// # Asynchronous drives
//
// Submitting, resuming, and patching answer 202 Accepted with the
// current run snapshot and perform the drive on a background context
// owned by the server. Clients poll GET /v1/runs/{id} or tail the
// event log to observe progress. A stop decision is the exception: it
// completes synchronously and answers 200 with the failed run.
//
// # Errors
//
// Every error response carries {"code", "message"} where code is the
// stable fault category. The HTTP status is derived from the code via
// fault.HTTPStatus, and clients rebuild the categorized error from
// the body, so error handling is identical in-process and remote.
//
// # Rate limiting
//
// All /v1 traffic shares one token bucket (api.rate_per_second,
// api.rate_burst). Exhausted buckets answer 429 RATE_LIMITED. Probes
// and metrics bypass the limiter.
//
// # Authentication
//
// With api.auth_enabled, /v1 requires a bearer token resolved against
// the keyring: admin tokens reach everything, tenant tokens only their
// own tenant's runs and budget routes, worker tokens only the queue
// and worker routes. The limiter runs before the auth check so floods
// of bad tokens are shed without touching the keyring. Ops endpoints
// stay open either way.
package api
