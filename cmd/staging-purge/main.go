package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/timebill_backend/config"
	"bitbucket.org/mmdatafocus/timebill_backend/models"
	"gorm.io/gorm"
)

func main() {
	olderThanDays := flag.Int("older-than-days", 7, "Purge pending staging rows older than this many days")
	dryRun := flag.Bool("dry-run", true, "Show count only (no writes)")
	confirm := flag.String("confirm", "", "Type PURGE to proceed when dry-run=false")
	flag.Parse()

	if *olderThanDays <= 0 {
		fmt.Fprintln(os.Stderr, "--older-than-days must be positive")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "PURGE" {
		fmt.Fprintln(os.Stderr, "set --confirm=PURGE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	cutoff := time.Now().AddDate(0, 0, -*olderThanDays)

	if *dryRun {
		printCount(db, cutoff)
		return
	}

	purged, err := models.PurgeStaleStagingRows(db, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "purge failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("purged %d pending staging rows older than %s\n", purged, cutoff.Format("2006-01-02 15:04:05"))
}

func printCount(db *gorm.DB, cutoff time.Time) {
	var count int64
	if err := db.Model(&models.BillingStagingRow{}).
		Where("result_status = ? AND created_at < ?", models.StagingResultPending, cutoff).
		Count(&count).Error; err != nil {
		fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d pending staging rows older than %s would be purged\n", count, cutoff.Format("2006-01-02 15:04:05"))
}
