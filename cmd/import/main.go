// Command import bulk-loads a CSV file into an email repository from the
// command line, against the same validation and dedup pipeline the server
// uses.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/emberwire/listgrowth/internal/csvio"
	"github.com/emberwire/listgrowth/internal/email"
	"github.com/emberwire/listgrowth/internal/ingest"
	"github.com/emberwire/listgrowth/internal/karma"
	"github.com/emberwire/listgrowth/internal/repo"
)

func main() {
	var (
		repoFlag  = flag.String("repo", "", "target repository id (uuid)")
		fileFlag  = flag.String("file", "", "path to the CSV file")
		ownerFlag = flag.String("owner", "", "acting user id (uuid), must own or collaborate on the repository")
		maxRows   = flag.Int("max-rows", 500000, "hard cap on CSV data rows")
		dryRun    = flag.Bool("dry-run", false, "parse and validate only, write nothing")
	)
	flag.Parse()

	if *fileFlag == "" {
		fatal("missing -file")
	}

	f, err := os.Open(*fileFlag)
	if err != nil {
		fatal("opening %s: %v", *fileFlag, err)
	}
	defer f.Close()

	if *dryRun {
		batch, err := csvio.Parse(f, csvio.ParseOptions{
			MaxRows:          *maxRows,
			ValidateEmails:   true,
			RemoveDuplicates: true,
		})
		if err != nil {
			fatal("parse failed: %v", err)
		}
		fmt.Println("dry run, nothing written")
		fmt.Printf("  raw rows:            %d\n", batch.RawRows)
		fmt.Printf("  valid rows:          %d\n", batch.ValidRows)
		fmt.Printf("  invalid rows:        %d\n", batch.InvalidRows)
		fmt.Printf("  duplicates removed:  %d\n", batch.DuplicatesRemoved)
		for _, rowErr := range batch.Errors {
			fmt.Printf("  row %d: %s (%s)\n", rowErr.Row, rowErr.Value, rowErr.Reason)
		}
		return
	}

	repoID, err := uuid.Parse(*repoFlag)
	if err != nil {
		fatal("invalid -repo: %v", err)
	}
	ownerID, err := uuid.Parse(*ownerFlag)
	if err != nil {
		fatal("invalid -owner: %v", err)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fatal("opening database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fatal("pinging database: %v", err)
	}

	store := repo.NewPGStore(db)
	svc := ingest.NewService(store, email.NewValidator(), karma.NopEmitter{})

	start := time.Now()
	summary, err := svc.ImportCSV(ctx, ownerID, repoID, f, ingest.Options{
		MaxRows:    *maxRows,
		OriginFile: filepath.Base(*fileFlag),
	})
	if err != nil {
		fatal("import failed: %v", err)
	}

	fmt.Printf("imported %s into %s in %s\n", filepath.Base(*fileFlag), repoID, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  raw rows:            %d\n", summary.RawRows)
	fmt.Printf("  valid rows:          %d\n", summary.ValidRows)
	fmt.Printf("  invalid rows:        %d\n", summary.InvalidRows)
	fmt.Printf("  duplicates removed:  %d\n", summary.DuplicatesRemoved)
	fmt.Printf("  below threshold:     %d\n", summary.BelowThreshold)
	fmt.Printf("  emails added:        %d\n", summary.EmailsAdded)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
	os.Exit(1)
}
