package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/droverhq/drover/pkg/types"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/drover", "Drover data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be repaired without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before repair (default: <data-dir>/drover.db.backup)")
)

// The control plane parks in-flight runs paused during a graceful
// shutdown, but a crash leaves them stranded in "running" with no
// driver attached. This tool sweeps those runs into "paused" so an
// operator can resume them, the same way a governance pause would
// have left them.
func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Drover Database Repair Tool - Stranded Run Recovery")
	log.Println("===================================================")

	dbPath := filepath.Join(*dataDir, "drover.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := parkStrandedRuns(db, *dryRun); err != nil {
		log.Fatalf("Repair failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the repair.")
	} else {
		log.Println("\n✓ Repair completed successfully!")
		log.Println("Stranded runs are now paused. Resume them with:")
		log.Println("  drover run decide <run-id> continue_normal")
	}
}

func parkStrandedRuns(db *bolt.DB, dryRun bool) error {
	var stranded []*types.Run

	// First, inspect what exists
	err := db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket([]byte("runs"))
		if runs == nil {
			log.Println("✓ No 'runs' bucket found - nothing to repair")
			return nil
		}

		return runs.ForEach(func(k, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				log.Printf("⚠ Warning: Skipping invalid JSON for key %s: %v", k, err)
				return nil
			}
			if run.State == types.RunStateRunning {
				stranded = append(stranded, &run)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	if len(stranded) == 0 {
		log.Println("✓ No stranded runs found")
		return nil
	}

	log.Printf("Found %d stranded run(s):", len(stranded))
	for _, run := range stranded {
		log.Printf("  %s  tenant=%s checkpoint=%d cost=%.2f", run.ID, run.TenantID, run.Checkpoint, run.ActualCost)
	}

	if dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Printf("1. Park %d run(s) as paused with reason \"crash recovery\"", len(stranded))
		log.Println("2. Append a transition record per run so histories stay complete")
		return nil
	}

	now := time.Now().UTC()
	return db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket([]byte("runs"))
		transitions, err := tx.CreateBucketIfNotExists([]byte("transitions"))
		if err != nil {
			return fmt.Errorf("failed to open transitions bucket: %w", err)
		}

		log.Println("\nParking stranded runs...")
		for _, run := range stranded {
			run.State = types.RunStatePaused
			run.Mode = types.ModePaused

			data, err := json.Marshal(run)
			if err != nil {
				return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
			}
			if err := runs.Put([]byte(run.ID), data); err != nil {
				return fmt.Errorf("failed to update run %s: %w", run.ID, err)
			}

			rec := &types.TransitionRecord{
				RunID:  run.ID,
				From:   types.RunStateRunning,
				To:     types.RunStatePaused,
				Reason: "crash recovery",
				Actor:  "repair",
				At:     now,
			}
			recData, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode transition for %s: %w", run.ID, err)
			}
			key := fmt.Sprintf("%s/%020d", run.ID, now.UnixNano())
			if err := transitions.Put([]byte(key), recData); err != nil {
				return fmt.Errorf("failed to append transition for %s: %w", run.ID, err)
			}

			log.Printf("  ✓ %s parked", run.ID)
		}

		log.Printf("✓ Parked %d run(s)", len(stranded))
		return nil
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
