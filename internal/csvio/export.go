package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emberwire/listgrowth/internal/repo"
)

// GenerateOptions controls one Generate call.
type GenerateOptions struct {
	// IncludeMetadata appends status, source, generation, and added_at
	// columns after the round-trip columns.
	IncludeMetadata bool
	// IncludeStats prepends '#' comment rows with membership totals, which
	// Parse skips on re-import.
	IncludeStats bool
}

// Generate writes a repository's membership as CSV with the stable column
// order email,name,tags. Output round-trips through Parse: re-importing
// recovers exactly the same address set.
func Generate(w io.Writer, r *repo.Repository, entries []*repo.Membership, opts GenerateOptions) error {
	if opts.IncludeStats {
		byStatus := make(map[string]int)
		for _, m := range entries {
			byStatus[m.Status]++
		}
		lines := []string{
			fmt.Sprintf("# repository: %s\n", r.Name),
			fmt.Sprintf("# exported_at: %s\n", time.Now().UTC().Format(time.RFC3339)),
			fmt.Sprintf("# total: %d\n", len(entries)),
		}
		for _, status := range []string{repo.StatusPending, repo.StatusVerified, repo.StatusBounced, repo.StatusSpam} {
			if n := byStatus[status]; n > 0 {
				lines = append(lines, fmt.Sprintf("# %s: %d\n", status, n))
			}
		}
		for _, line := range lines {
			if _, err := io.WriteString(w, line); err != nil {
				return err
			}
		}
	}

	writer := csv.NewWriter(w)

	header := []string{"email", "name", "tags"}
	if opts.IncludeMetadata {
		header = append(header, "status", "source", "generation", "added_at")
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, m := range entries {
		row := []string{m.Email, "", ""}
		if opts.IncludeMetadata {
			generation := ""
			if m.Lineage.IsSnowball() {
				generation = strconv.Itoa(m.Lineage.Generation())
			}
			row = append(row, m.Status, m.Source, generation, m.AddedAt.UTC().Format(time.RFC3339))
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// ExportFilename builds the download filename: <repo-slug>-<timestamp>.csv.
func ExportFilename(repoName string, t time.Time) string {
	return fmt.Sprintf("%s-%s.csv", slugify(repoName), t.UTC().Format("20060102-150405"))
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		s = "repository"
	}
	return s
}
