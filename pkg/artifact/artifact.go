package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/droverhq/drover/pkg/types"
)

// ErrSealed is returned for any write against a sealed bundle
var ErrSealed = errors.New("bundle is sealed")

// Store manages the artifact tree on disk. Run bundles live under
// <root>/runs/<runID>, tenant artifacts under <root>/tenants/<tenantID>.
// Bundle writes are append-only and rejected once the bundle is sealed.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-bundle write locks
}

// NewStore creates the artifact root directories
func NewStore(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "runs"), filepath.Join(root, "tenants")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact root: %w", err)
		}
	}
	return &Store{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the artifact root directory
func (s *Store) Root() string { return s.root }

// BundleDir returns the directory of one run's bundle
func (s *Store) BundleDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

// TenantDir returns the artifact directory of one tenant
func (s *Store) TenantDir(tenantID string) string {
	return filepath.Join(s.root, "tenants", tenantID)
}

func (s *Store) lock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

// CreateBundle lays out a new run bundle and snapshots the spec into it
func (s *Store) CreateBundle(runID string, spec *types.DeliverySpec) error {
	dir := s.BundleDir(runID)
	for _, sub := range []string{dir, filepath.Join(dir, "reports"), filepath.Join(dir, "governance")} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("failed to create bundle: %w", err)
		}
	}
	return s.writeJSON(runID, "spec.json", spec)
}

// Exists reports whether a bundle directory is present
func (s *Store) Exists(runID string) bool {
	_, err := os.Stat(s.BundleDir(runID))
	return err == nil
}

// Sealed reports whether a bundle has a manifest
func (s *Store) Sealed(runID string) bool {
	_, err := os.Stat(filepath.Join(s.BundleDir(runID), manifestName))
	return err == nil
}

// WritePlan snapshots the currently selected plan. Plan switches
// overwrite it; the full history lives in plan_history.jsonl.
func (s *Store) WritePlan(runID string, plan any) error {
	return s.writeJSON(runID, "plan.json", plan)
}

// AppendPlanHistory appends one plan selection record
func (s *Store) AppendPlanHistory(runID string, rec any) error {
	return s.appendJSONL(runID, "plan_history.jsonl", rec)
}

// WritePatchedSpec snapshots the spec after an operator patch. The
// original submission stays untouched in spec.json.
func (s *Store) WritePatchedSpec(runID string, spec *types.DeliverySpec) error {
	return s.writeJSON(runID, "spec_patched.json", spec)
}

// WriteReport stores one step report under its stage directory
func (s *Store) WriteReport(runID string, stage int, report *types.StepReport) error {
	rel := filepath.Join("reports", fmt.Sprintf("%d", stage), report.NodeID+".json")
	return s.writeJSON(runID, rel, report)
}

// WriteDecision stores one governance checkpoint decision
func (s *Store) WriteDecision(runID string, decision *types.GovernanceDecision) error {
	rel := filepath.Join("governance", fmt.Sprintf("%d.json", decision.Checkpoint))
	return s.writeJSON(runID, rel, decision)
}

// AppendCost appends one ledger entry to the run's cost log
func (s *Store) AppendCost(runID string, entry *types.LedgerEntry) error {
	return s.appendJSONL(runID, "cost_ledger.jsonl", entry)
}

// AppendEvent appends one event to the run's event log
func (s *Store) AppendEvent(runID string, ev *types.Event) error {
	return s.appendJSONL(runID, "events.jsonl", ev)
}

// Read returns the contents of one named artifact. The path is
// confined to the bundle directory.
func (s *Store) Read(runID, rel string) ([]byte, error) {
	path, err := s.confine(runID, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// List returns the relative paths of every file in a bundle, sorted
func (s *Store) List(runID string) ([]string, error) {
	dir := s.BundleDir(runID)
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// confine resolves rel inside the bundle and rejects escapes
func (s *Store) confine(runID, rel string) (string, error) {
	dir := s.BundleDir(runID)
	path := filepath.Join(dir, filepath.FromSlash(rel))
	clean := filepath.Clean(path)
	if clean != dir && !strings.HasPrefix(clean, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path escapes bundle: %s", rel)
	}
	return clean, nil
}

func (s *Store) writeJSON(runID, rel string, v any) error {
	l := s.lock(runID)
	l.Lock()
	defer l.Unlock()

	if s.Sealed(runID) {
		return ErrSealed
	}
	path, err := s.confine(runID, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rel, err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (s *Store) appendJSONL(runID, rel string, v any) error {
	l := s.lock(runID)
	l.Lock()
	defer l.Unlock()

	if s.Sealed(runID) {
		return ErrSealed
	}
	path, err := s.confine(runID, rel)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rel, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
