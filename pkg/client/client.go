package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/artifact"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/types"
	"github.com/droverhq/drover/pkg/worker"
)

// Client satisfies the control plane contract remote workers need, so
// a worker process points at a URL instead of an in-process registry.
var _ worker.ControlPlane = (*Client)(nil)

// Client talks to a drover control plane over REST. Errors come back
// as categorized faults rebuilt from the response envelope, so callers
// branch on fault codes exactly as they would in-process.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string

	// callTimeout bounds control plane calls made without a caller
	// context (the worker registration trio). Everything else runs on
	// the caller's context alone.
	callTimeout time.Duration
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, e.g. to add a
// transport with custom TLS or proxy settings.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCallTimeout bounds the context-free control plane calls
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithToken attaches a bearer credential to every request. Control
// planes running without authentication ignore it.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New builds a client for the control plane at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q needs an http or https scheme", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q needs a host", baseURL)
	}

	c := &Client{
		base:        u,
		http:        &http.Client{},
		callTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitRun admits a run and returns once the control plane accepted
// it; the drive happens server side. Poll GetRun or tail RunEvents to
// observe progress.
func (c *Client) SubmitRun(ctx context.Context, tenantID string, spec *types.DeliverySpec, priority types.Priority) (*types.Run, error) {
	return c.submit(ctx, tenantID, spec, priority, false)
}

// SubmitRunAndWait submits and blocks until the run settles. The
// request runs on ctx; cancelling it parks the run paused server side.
func (c *Client) SubmitRunAndWait(ctx context.Context, tenantID string, spec *types.DeliverySpec, priority types.Priority) (*types.Run, error) {
	return c.submit(ctx, tenantID, spec, priority, true)
}

func (c *Client) submit(ctx context.Context, tenantID string, spec *types.DeliverySpec, priority types.Priority, wait bool) (*types.Run, error) {
	body := struct {
		TenantID string              `json:"tenant_id"`
		Priority types.Priority      `json:"priority,omitempty"`
		Spec     *types.DeliverySpec `json:"spec"`
	}{TenantID: tenantID, Priority: priority, Spec: spec}

	q := url.Values{}
	if wait {
		q.Set("wait", "true")
	}
	run := &types.Run{}
	if err := c.do(ctx, http.MethodPost, "/v1/runs", q, body, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run := &types.Run{}
	if err := c.do(ctx, http.MethodGet, runPath(runID), nil, nil, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists runs, optionally filtered by tenant and state. Zero
// values mean no filter.
func (c *Client) ListRuns(ctx context.Context, tenantID string, state types.RunState) ([]*types.Run, error) {
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenant", tenantID)
	}
	if state != "" {
		q.Set("state", string(state))
	}
	var runs []*types.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs", q, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) RunHistory(ctx context.Context, runID string) ([]*types.TransitionRecord, error) {
	var recs []*types.TransitionRecord
	if err := c.do(ctx, http.MethodGet, runPath(runID)+"/history", nil, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// RunEvents returns the run's event log; limit > 0 keeps the last N
func (c *Client) RunEvents(ctx context.Context, runID string, limit int) ([]*types.Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var events []*types.Event
	if err := c.do(ctx, http.MethodGet, runPath(runID)+"/events", q, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) PauseRun(ctx context.Context, runID, reason string) (*types.Run, error) {
	body := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}
	run := &types.Run{}
	if err := c.do(ctx, http.MethodPost, runPath(runID)+"/pause", nil, body, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Decide resolves a paused run. A stop decision returns the failed
// run; the continue decisions return the pre-resume snapshot and the
// drive proceeds server side.
func (c *Client) Decide(ctx context.Context, runID string, decision types.OperatorDecision) (*types.Run, error) {
	body := struct {
		Decision types.OperatorDecision `json:"decision"`
	}{Decision: decision}
	run := &types.Run{}
	if err := c.do(ctx, http.MethodPost, runPath(runID)+"/decision", nil, body, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ApplyInput patches a paused run's spec and resumes it. The returned
// run is the pre-patch snapshot.
func (c *Client) ApplyInput(ctx context.Context, runID string, patch map[string]any) (*types.Run, error) {
	run := &types.Run{}
	if err := c.do(ctx, http.MethodPost, runPath(runID)+"/input", nil, patch, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (c *Client) ListArtifacts(ctx context.Context, runID string) ([]string, error) {
	var files []string
	if err := c.do(ctx, http.MethodGet, runPath(runID)+"/artifacts", nil, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// ReadArtifact fetches one bundle file raw
func (c *Client) ReadArtifact(ctx context.Context, runID, rel string) ([]byte, error) {
	resp, err := c.raw(ctx, runPath(runID)+"/artifacts/"+escapePath(rel))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) RunManifest(ctx context.Context, runID string) (*artifact.Manifest, error) {
	m := &artifact.Manifest{}
	if err := c.do(ctx, http.MethodGet, runPath(runID)+"/manifest", nil, nil, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DownloadBundle streams the sealed bundle tar into w and returns the
// byte count.
func (c *Client) DownloadBundle(ctx context.Context, runID string, w io.Writer) (int64, error) {
	resp, err := c.raw(ctx, runPath(runID)+"/bundle")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// TenantParams describes a tenant to create. Learning may be nil; the
// control plane applies its default profile.
type TenantParams struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Priority int                    `json:"priority"`
	Budget   *types.BudgetProfile   `json:"budget"`
	Learning *types.LearningProfile `json:"learning,omitempty"`
}

func (c *Client) CreateTenant(ctx context.Context, params TenantParams) (*types.Tenant, error) {
	ten := &types.Tenant{}
	if err := c.do(ctx, http.MethodPost, "/v1/tenants", nil, params, ten); err != nil {
		return nil, err
	}
	return ten, nil
}

func (c *Client) ListTenants(ctx context.Context) ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	if err := c.do(ctx, http.MethodGet, "/v1/tenants", nil, nil, &tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

func (c *Client) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	ten := &types.Tenant{}
	if err := c.do(ctx, http.MethodGet, tenantPath(tenantID), nil, nil, ten); err != nil {
		return nil, err
	}
	return ten, nil
}

func (c *Client) SuspendTenant(ctx context.Context, tenantID, reason string) (*types.Tenant, error) {
	body := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}
	ten := &types.Tenant{}
	if err := c.do(ctx, http.MethodPost, tenantPath(tenantID)+"/suspend", nil, body, ten); err != nil {
		return nil, err
	}
	return ten, nil
}

func (c *Client) ResumeTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	ten := &types.Tenant{}
	if err := c.do(ctx, http.MethodPost, tenantPath(tenantID)+"/resume", nil, nil, ten); err != nil {
		return nil, err
	}
	return ten, nil
}

func (c *Client) UpdateBudget(ctx context.Context, tenantID string, profile *types.BudgetProfile) (*types.Tenant, error) {
	ten := &types.Tenant{}
	if err := c.do(ctx, http.MethodPut, tenantPath(tenantID)+"/budget", nil, profile, ten); err != nil {
		return nil, err
	}
	return ten, nil
}

func (c *Client) UpdateLearning(ctx context.Context, tenantID string, profile *types.LearningProfile) (*types.Tenant, error) {
	ten := &types.Tenant{}
	if err := c.do(ctx, http.MethodPut, tenantPath(tenantID)+"/learning", nil, profile, ten); err != nil {
		return nil, err
	}
	return ten, nil
}

func (c *Client) BudgetStatus(ctx context.Context, tenantID string) (*types.BudgetStatus, error) {
	status := &types.BudgetStatus{}
	if err := c.do(ctx, http.MethodGet, tenantPath(tenantID)+"/budget", nil, nil, status); err != nil {
		return nil, err
	}
	return status, nil
}

func (c *Client) Forecast(ctx context.Context, tenantID string, estimate float64) (*types.BudgetForecast, error) {
	q := url.Values{}
	q.Set("estimate", strconv.FormatFloat(estimate, 'f', -1, 64))
	forecast := &types.BudgetForecast{}
	if err := c.do(ctx, http.MethodGet, tenantPath(tenantID)+"/forecast", q, nil, forecast); err != nil {
		return nil, err
	}
	return forecast, nil
}

func (c *Client) QueueSnapshot(ctx context.Context) (*queue.State, error) {
	snap := &queue.State{}
	if err := c.do(ctx, http.MethodGet, "/v1/queue", nil, nil, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Client) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	var workers []*types.Worker
	if err := c.do(ctx, http.MethodGet, "/v1/workers", nil, nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// TokenParams describes a credential to mint
type TokenParams struct {
	Scope    types.CredentialScope
	TenantID string
	Name     string
	TTL      time.Duration
}

// TokenGrant carries a freshly minted credential. Token is the secret,
// returned exactly once; the control plane keeps only its digest.
type TokenGrant struct {
	Token      string            `json:"token"`
	Credential *types.Credential `json:"credential"`
}

// CreateToken mints an API credential. Requires an admin credential.
func (c *Client) CreateToken(ctx context.Context, params TokenParams) (*TokenGrant, error) {
	body := struct {
		Scope    types.CredentialScope `json:"scope"`
		TenantID string                `json:"tenant_id,omitempty"`
		Name     string                `json:"name,omitempty"`
		TTL      string                `json:"ttl,omitempty"`
	}{Scope: params.Scope, TenantID: params.TenantID, Name: params.Name}
	if params.TTL > 0 {
		body.TTL = params.TTL.String()
	}
	grant := &TokenGrant{}
	if err := c.do(ctx, http.MethodPost, "/v1/tokens", nil, body, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

func (c *Client) ListTokens(ctx context.Context) ([]*types.Credential, error) {
	var creds []*types.Credential
	if err := c.do(ctx, http.MethodGet, "/v1/tokens", nil, nil, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func (c *Client) RevokeToken(ctx context.Context, credentialID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tokens/"+url.PathEscape(credentialID), nil, nil, nil)
}

// Register enrolls this process as a remote worker
func (c *Client) Register(w types.Worker) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()
	body := struct {
		ID            string   `json:"id"`
		Capabilities  []string `json:"capabilities,omitempty"`
		MaxConcurrent int      `json:"max_concurrent"`
	}{ID: w.ID, Capabilities: w.Capabilities, MaxConcurrent: w.MaxConcurrent}
	return c.do(ctx, http.MethodPost, "/v1/workers", nil, body, nil)
}

// Heartbeat refreshes this worker's lease on liveness. An unknown
// worker comes back as fault.CodeWorkerUnknown, which tells the worker
// loop to re-register.
func (c *Client) Heartbeat(workerID string, activeTasks int) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()
	body := struct {
		ActiveTasks int `json:"active_tasks"`
	}{ActiveTasks: activeTasks}
	return c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(workerID)+"/heartbeat", nil, body, nil)
}

func (c *Client) Deregister(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workers/"+url.PathEscape(workerID), nil, nil, nil)
}

// do performs one JSON request. A nil out discards the response body;
// non-2xx responses become categorized faults.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// raw performs a GET whose body the caller consumes (artifacts, tar
// streams). The caller closes the response body.
func (c *Client) raw(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, nil), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// decodeError rebuilds a categorized fault from the error envelope so
// fault.CodeOf and errors.Is work across the wire.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Code    fault.Code `json:"code"`
		Message string     `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Code != "" {
		return fault.New(body.Code, body.Message)
	}
	return fault.Newf(fault.CodeInternal, "unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func runPath(runID string) string {
	return "/v1/runs/" + url.PathEscape(runID)
}

func tenantPath(tenantID string) string {
	return "/v1/tenants/" + url.PathEscape(tenantID)
}

// escapePath escapes each segment of a slash-separated artifact path
func escapePath(rel string) string {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
