package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

var (
	// Bucket names
	bucketTenants     = []byte("tenants")
	bucketRuns        = []byte("runs")
	bucketTransitions = []byte("transitions")
	bucketLedger      = []byte("ledger")
	bucketRejections  = []byte("rejections")
	bucketCredentials = []byte("credentials")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "drover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTenants,
			bucketRuns,
			bucketTransitions,
			bucketLedger,
			bucketRejections,
			bucketCredentials,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Tenant operations
func (s *BoltStore) CreateTenant(tenant *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		return b.Put([]byte(tenant.ID), data)
	})
}

func (s *BoltStore) GetTenant(id string) (*types.Tenant, error) {
	var tenant types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		data := b.Get([]byte(id))
		if data == nil {
			return fault.Newf(fault.CodeTenantUnknown, "tenant not found: %s", id)
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		return b.ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			tenants = append(tenants, &tenant)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) UpdateTenant(tenant *types.Tenant) error {
	return s.CreateTenant(tenant) // Same as create (upsert)
}

// Run operations
func (s *BoltStore) CreateRun(run *types.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) GetRun(id string) (*types.Run, error) {
	var run types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return fault.Newf(fault.CodeRunNotFound, "run not found: %s", id)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) ListRuns() ([]*types.Run, error) {
	var runs []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	return runs, err
}

func (s *BoltStore) ListRunsByTenant(tenantID string) ([]*types.Run, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Run
	for _, run := range runs {
		if run.TenantID == tenantID {
			filtered = append(filtered, run)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateRun(run *types.Run) error {
	return s.CreateRun(run) // Same as create (upsert)
}

// Transition operations. Keys are runID/<nanos> so a prefix scan
// returns one run's history in order.
func (s *BoltStore) AppendTransition(rec *types.TransitionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d", rec.RunID, rec.At.UnixNano())
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListTransitions(runID string) ([]*types.TransitionRecord, error) {
	var recs []*types.TransitionRecord
	prefix := []byte(runID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec types.TransitionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}

// Ledger operations. Keys are tenantID/<nanos>/<uuid> so entries
// scan in time order and never collide.
func (s *BoltStore) AppendLedger(entry *types.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLedger)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d/%s", entry.TenantID, entry.At.UnixNano(), entry.ID)
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListLedger(tenantID string, since time.Time) ([]*types.LedgerEntry, error) {
	var entries []*types.LedgerEntry
	prefix := []byte(tenantID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLedger).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.At.Before(since) {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) SumLedgerSince(tenantID string, since time.Time) (float64, error) {
	entries, err := s.ListLedger(tenantID, since)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, entry := range entries {
		total += entry.Amount
	}
	return total, nil
}

// Credential operations
func (s *BoltStore) PutCredential(cred *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data, err := json.Marshal(cred)
		if err != nil {
			return err
		}
		return b.Put([]byte(cred.ID), data)
	})
}

func (s *BoltStore) ListCredentials() ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, &cred)
			return nil
		})
	})
	return creds, err
}

func (s *BoltStore) DeleteCredential(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b.Get([]byte(id)) == nil {
			return fault.Newf(fault.CodeCredentialUnknown, "credential not found: %s", id)
		}
		return b.Delete([]byte(id))
	})
}

// Rejection operations
func (s *BoltStore) AppendRejection(rec *types.RejectionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRejections)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d/%s", rec.TenantID, rec.At.UnixNano(), uuid.New().String())
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListRejections(tenantID string) ([]*types.RejectionRecord, error) {
	var recs []*types.RejectionRecord
	prefix := []byte(tenantID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRejections).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec types.RejectionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}
