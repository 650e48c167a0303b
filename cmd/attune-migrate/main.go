package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/cuemby/attune/pkg/storage"
)

var (
	fromBackend = flag.String("from-backend", storage.BackendBolt, "Source backend (bolt or sqlite)")
	fromPath    = flag.String("from", "", "Source replay store path")
	toBackend   = flag.String("to-backend", storage.BackendSQLite, "Destination backend (bolt or sqlite)")
	toPath      = flag.String("to", "", "Destination replay store path")
	dryRun      = flag.Bool("dry-run", false, "Show what would be copied without writing")
	backupPath  = flag.String("backup", "", "Back up the source store here before copying")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Attune Replay Store Migration Tool")
	log.Println("==================================")

	if *fromPath == "" || *toPath == "" {
		log.Fatal("Both --from and --to are required")
	}
	if *fromPath == *toPath {
		log.Fatal("--from and --to must differ")
	}
	if _, err := os.Stat(*fromPath); os.IsNotExist(err) {
		log.Fatalf("Replay store not found at %s", *fromPath)
	}

	log.Printf("Source: %s (%s)", *fromPath, *fromBackend)
	log.Printf("Destination: %s (%s)", *toPath, *toBackend)
	log.Printf("Dry run: %v", *dryRun)

	if *backupPath != "" && !*dryRun {
		log.Printf("Creating backup: %s", *backupPath)
		if err := copyFile(*fromPath, *backupPath); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	src, err := storage.Open(*fromBackend, *fromPath)
	if err != nil {
		log.Fatalf("Failed to open source: %v", err)
	}
	defer src.Close()

	var dst storage.Store
	if !*dryRun {
		dst, err = storage.Open(*toBackend, *toPath)
		if err != nil {
			log.Fatalf("Failed to open destination: %v", err)
		}
		defer dst.Close()
	}

	stats, err := migrate(src, dst)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Printf("\n[DRY RUN] Would copy %d samples and %d actions", stats.Samples, stats.Actions)
		log.Println("Run without --dry-run to perform the migration.")
		return
	}
	log.Printf("\n✓ Copied %d samples and %d actions", stats.Samples, stats.Actions)
	if stats.Skipped > 0 {
		log.Printf("⚠ %d rows already existed in the destination and were kept", stats.Skipped)
	}
	log.Println("✓ Migration completed successfully!")
	log.Println("The source store is untouched.")
}

type migrateStats struct {
	Samples int
	Actions int
	Skipped int
}

// migrate copies every sample and action from src to dst. Rows already in
// dst are counted as skipped. A nil dst only counts.
func migrate(src, dst storage.Store) (migrateStats, error) {
	var stats migrateStats

	samples, err := src.SamplesSince(0)
	if err != nil {
		return stats, fmt.Errorf("failed to read samples: %w", err)
	}
	log.Printf("Found %d samples", len(samples))
	for _, row := range samples {
		if dst != nil {
			err := dst.PutSample(row.NodeID, row.TS, row.Payload)
			if errors.Is(err, storage.ErrDuplicate) {
				stats.Skipped++
				continue
			}
			if err != nil {
				return stats, fmt.Errorf("failed to copy sample (%d, %d): %w", row.NodeID, row.TS, err)
			}
		}
		stats.Samples++
		if stats.Samples%10000 == 0 {
			log.Printf("  Copied %d/%d samples...", stats.Samples, len(samples))
		}
	}

	actions, err := src.ActionsBetween(math.MinInt64, math.MaxInt64)
	if err != nil {
		return stats, fmt.Errorf("failed to read actions: %w", err)
	}
	log.Printf("Found %d actions", len(actions))
	for _, row := range actions {
		if dst != nil {
			err := dst.PutAction(row.TS, row.Action)
			if errors.Is(err, storage.ErrDuplicate) {
				stats.Skipped++
				continue
			}
			if err != nil {
				return stats, fmt.Errorf("failed to copy action at %d: %w", row.TS, err)
			}
		}
		stats.Actions++
	}

	return stats, nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
