package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// CostReport is the daily spending rollup written into a tenant's
// artifact directory
type CostReport struct {
	TenantID   string             `json:"tenant_id"`
	Date       string             `json:"date"` // yyyy-mm-dd, UTC
	Total      float64            `json:"total"`
	ByCategory map[string]float64 `json:"by_category,omitempty"`
	ByRun      map[string]float64 `json:"by_run,omitempty"`
	Entries    int                `json:"entries"`
	WrittenAt  time.Time          `json:"written_at"`
}

// WriteBudgetUsage overwrites the tenant's rolling usage snapshot
func (s *Store) WriteBudgetUsage(tenantID string, status *types.BudgetStatus) error {
	return s.writeTenantJSON(tenantID, "budget_usage.json", status)
}

// ReadBudgetUsage returns the last written usage snapshot
func (s *Store) ReadBudgetUsage(tenantID string) (*types.BudgetStatus, error) {
	data, err := os.ReadFile(filepath.Join(s.TenantDir(tenantID), "budget_usage.json"))
	if err != nil {
		return nil, err
	}
	var status types.BudgetStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WriteCostReport stores the rollup for one UTC day
func (s *Store) WriteCostReport(tenantID string, day time.Time, report *CostReport) error {
	name := fmt.Sprintf("cost_report_%s.json", day.UTC().Format("20060102"))
	return s.writeTenantJSON(tenantID, name, report)
}

// WriteLearningProfile archives a profile revision immutably and
// refreshes the current-profile copy. Revisions are never overwritten.
func (s *Store) WriteLearningProfile(tenantID string, profile *types.LearningProfile) error {
	versioned := fmt.Sprintf("learning_profile_v%d.json", profile.Revision)
	path := filepath.Join(s.TenantDir(tenantID), versioned)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("learning profile revision %d already archived", profile.Revision)
	}
	if err := s.writeTenantJSON(tenantID, versioned, profile); err != nil {
		return err
	}
	return s.writeTenantJSON(tenantID, "learning_profile.json", profile)
}

func (s *Store) writeTenantJSON(tenantID, name string, v any) error {
	dir := s.TenantDir(tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return os.WriteFile(filepath.Join(dir, name), append(data, '\n'), 0o644)
}
