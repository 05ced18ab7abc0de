// Package client is the Go client for the drover REST API.
//
// It mirrors the in-process surface one method per endpoint, rebuilds
// categorized faults from error responses so fault.CodeOf and
// errors.Is behave the same as they do against the local packages, and
// implements worker.ControlPlane so remote workers run against a URL:
//
//	cl, err := client.New("http://orchestrator:8080")
//	if err != nil {
//		log.Fatal(err)
//	}
//	run, err := cl.SubmitRunAndWait(ctx, "acme", spec, types.PriorityNormal)
//	if fault.CodeOf(err) == fault.CodeBudgetExceeded {
//		// raise the limit or wait for the daily window
//	}
//
// Methods taking a context run entirely on it; the context-free
// worker registration calls carry an internal timeout settable with
// WithCallTimeout.
package client
