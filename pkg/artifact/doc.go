/*
Package artifact manages Drover's on-disk artifact tree: one bundle per
run plus a per-tenant namespace.

# Bundle Layout

Every run owns a directory under <root>/runs/<runID>:

	spec.json                  submitted delivery spec (snapshot)
	plan.json                  currently selected plan
	plan_history.jsonl         one selection record per plan decision
	reports/<stage>/<node>.json
	governance/<checkpoint>.json
	cost_ledger.jsonl          cost increments attributed to the run
	events.jsonl               ordered run event log
	manifest.json              written once, at seal time

Writes are append-only: reports, decisions and log lines accumulate;
nothing is rewritten except the plan snapshot, which tracks the active
plan until the bundle seals. After Seal every write returns ErrSealed.

# Sealing

Seal walks the bundle, records path, size and sha256 for every file,
and derives a bundle hash over the sorted per-file hashes. Verify
recomputes the lot, so tampering with any artifact, or with the
manifest itself, is detectable. WriteTar streams the sealed bundle with
the manifest last.

# Tenant Namespace

Under <root>/tenants/<tenantID>:

	budget_usage.json           rolling usage snapshot (overwritten)
	cost_report_<yyyymmdd>.json daily rollup, one file per day
	learning_profile.json       current profile
	learning_profile_v<N>.json  immutable archive, one file per revision

Learning profile revisions can be written exactly once; attempting to
rewrite an archived revision fails.

Concurrency: bundle writes take a per-run lock, so the engine and the
event log writer can append concurrently without interleaving lines.
*/
package artifact
