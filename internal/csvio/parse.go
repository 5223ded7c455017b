// Package csvio is the CSV ingestion and export pipeline. Parsing streams
// rows through the validator and deduplicator without materializing the
// whole file; generation produces a stable column order that Parse can
// round-trip.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emberwire/listgrowth/internal/email"
)

var (
	// ErrEmptyFile is returned when the stream contains no rows.
	ErrEmptyFile = errors.New("file is empty")

	// ErrNoEmailColumn is returned when no column plausibly holds addresses.
	ErrNoEmailColumn = errors.New("no email column detected")

	// ErrTooManyRows is returned when the stream exceeds the row cap.
	// The batch is rejected outright, never silently truncated.
	ErrTooManyRows = errors.New("row count exceeds limit")
)

// detectionSampleSize bounds how many data rows column detection inspects.
// Detection is deterministic: the same bytes always pick the same column.
const detectionSampleSize = 10

// Header aliases recognized for the three round-trip columns.
var (
	emailAliases = map[string]bool{
		"email": true, "e-mail": true, "e_mail": true, "mail": true,
		"email_address": true, "emailaddress": true, "address": true,
	}
	nameAliases = map[string]bool{
		"name": true, "full_name": true, "fullname": true,
		"first_name": true, "firstname": true,
	}
	tagsAliases = map[string]bool{
		"tags": true, "labels": true, "categories": true,
	}
)

// ParseOptions controls one Parse call.
type ParseOptions struct {
	// MaxRows is a hard cap on data rows; exceeding it aborts with
	// ErrTooManyRows. Zero means unlimited.
	MaxRows int
	// ValidateEmails collects invalid rows into the error list instead of
	// keeping them as candidates.
	ValidateEmails bool
	// RemoveDuplicates applies within-batch deduplication to the valid set.
	RemoveDuplicates bool
	// Validator performs per-address validation. A nil validator gets the
	// built-in defaults.
	Validator *email.Validator

	// previewLimit stops reading after N data rows without erroring.
	previewLimit int
}

// Candidate is one address extracted from the stream.
type Candidate struct {
	Row          int     `json:"row"`
	Email        string  `json:"email"`
	Name         string  `json:"name,omitempty"`
	Tags         string  `json:"tags,omitempty"`
	QualityScore float64 `json:"quality_score"`
}

// RowError records one rejected row.
type RowError struct {
	Row    int    `json:"row"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// ImportBatch is the ephemeral result of processing one upload. It exists
// only for the duration of an ingestion call; nothing here is persisted.
type ImportBatch struct {
	RawRows           int         `json:"raw_rows"`
	ValidRows         int         `json:"valid_rows"`
	InvalidRows       int         `json:"invalid_rows"`
	DuplicatesRemoved int         `json:"duplicates_removed"`
	Candidates        []Candidate `json:"candidates"`
	Errors            []RowError  `json:"errors,omitempty"`
}

// Addresses returns the candidates' normalized addresses in order.
func (b *ImportBatch) Addresses() []string {
	out := make([]string, len(b.Candidates))
	for i, c := range b.Candidates {
		out[i] = c.Email
	}
	return out
}

// columnLayout maps detected columns.
type columnLayout struct {
	email int
	name  int // -1 when absent
	tags  int // -1 when absent
}

// Parse streams CSV data into an ImportBatch. Structural failures (empty
// file, no email column, row cap, unreadable stream) abort with an error;
// per-row validation failures are collected in the batch and never abort
// it. A row the CSV layer cannot parse counts as a malformed-row error
// entry; an error from the underlying reader aborts the whole parse.
func Parse(r io.Reader, opts ParseOptions) (*ImportBatch, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	first, sample, err := readSample(reader)
	if err != nil {
		return nil, err
	}

	layout, dataRows, err := detectColumns(first, sample)
	if err != nil {
		return nil, err
	}

	v := opts.Validator
	if v == nil {
		v = email.NewValidator()
	}

	batch := &ImportBatch{}
	process := func(record []string) {
		batch.RawRows++
		row := batch.RawRows

		var raw string
		if layout.email < len(record) {
			raw = record[layout.email]
		}

		res := v.Validate(raw)
		if !res.Valid {
			batch.InvalidRows++
			if opts.ValidateEmails {
				batch.Errors = append(batch.Errors, RowError{Row: row, Value: raw, Reason: res.Reason})
			}
			return
		}

		batch.ValidRows++
		c := Candidate{Row: row, Email: res.Normalized, QualityScore: res.QualityScore}
		if layout.name >= 0 && layout.name < len(record) {
			c.Name = strings.TrimSpace(record[layout.name])
		}
		if layout.tags >= 0 && layout.tags < len(record) {
			c.Tags = strings.TrimSpace(record[layout.tags])
		}
		batch.Candidates = append(batch.Candidates, c)
	}

	overCap := func() bool {
		return opts.MaxRows > 0 && batch.RawRows >= opts.MaxRows
	}

	for _, record := range dataRows {
		if opts.previewLimit > 0 && batch.RawRows >= opts.previewLimit {
			return dedupeBatch(batch, opts), nil
		}
		if record == nil {
			markMalformed(batch)
			continue
		}
		if skipRow(record) {
			continue
		}
		if overCap() {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooManyRows, opts.MaxRows)
		}
		process(record)
	}

	for {
		if opts.previewLimit > 0 && batch.RawRows >= opts.previewLimit {
			break
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, fmt.Errorf("reading CSV stream: %w", err)
			}
			markMalformed(batch)
			continue
		}
		if skipRow(record) {
			continue
		}
		if overCap() {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooManyRows, opts.MaxRows)
		}
		process(record)
	}

	return dedupeBatch(batch, opts), nil
}

// Preview runs the same parse logic but stops after maxRows data rows and
// persists nothing. Used to let callers inspect a file before ingesting it.
func Preview(r io.Reader, maxRows int, v *email.Validator) (*ImportBatch, error) {
	if maxRows <= 0 {
		maxRows = 20
	}
	return Parse(r, ParseOptions{
		ValidateEmails:   true,
		RemoveDuplicates: true,
		Validator:        v,
		previewLimit:     maxRows,
	})
}

// markMalformed accounts for one row the CSV layer could not parse.
func markMalformed(batch *ImportBatch) {
	batch.RawRows++
	batch.InvalidRows++
	batch.Errors = append(batch.Errors, RowError{Row: batch.RawRows, Reason: "malformed row"})
}

// skipRow drops blank rows and '#' comment rows (the stats lines Generate
// can emit).
func skipRow(record []string) bool {
	if len(record) == 0 {
		return true
	}
	first := strings.TrimSpace(record[0])
	if strings.HasPrefix(first, "#") {
		return true
	}
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// readSample reads the first row plus up to detectionSampleSize data rows.
// Rows the CSV layer rejects inside the sample window come back as nil
// markers so the processing pass accounts for them exactly like a malformed
// row found later in the stream. An underlying reader failure aborts.
func readSample(reader *csv.Reader) (first []string, sample [][]string, err error) {
	for {
		first, err = reader.Read()
		if err == io.EOF {
			return nil, nil, ErrEmptyFile
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading CSV stream: %w", err)
		}
		if !skipRow(first) {
			break
		}
	}

	for len(sample) < detectionSampleSize {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, nil, fmt.Errorf("reading CSV stream: %w", err)
			}
			sample = append(sample, nil)
			continue
		}
		if skipRow(record) {
			continue
		}
		sample = append(sample, record)
	}
	return first, sample, nil
}

// detectColumns decides whether the first row is a header and which column
// holds addresses: a recognized header alias wins outright; otherwise the
// first column where a majority of sampled non-empty values look like
// addresses is chosen.
func detectColumns(first []string, sample [][]string) (columnLayout, [][]string, error) {
	layout := columnLayout{email: -1, name: -1, tags: -1}

	for i, cell := range first {
		key := strings.ToLower(strings.TrimSpace(cell))
		key = strings.ReplaceAll(key, " ", "_")
		switch {
		case emailAliases[key]:
			layout.email = i
		case nameAliases[key]:
			if layout.name == -1 {
				layout.name = i
			}
		case tagsAliases[key]:
			layout.tags = i
		}
	}

	if layout.email >= 0 {
		return layout, sample, nil
	}

	// No email alias. If the first row itself contains an address it is
	// data, not a header; include it in the scoring rows.
	rows := sample
	firstIsData := rowHasAddress(first)
	if firstIsData {
		rows = append([][]string{first}, sample...)
	}

	layout.email = scoreEmailColumn(rows)
	if layout.email < 0 {
		return layout, nil, ErrNoEmailColumn
	}

	if firstIsData {
		// Headerless file: name/tags columns are unknowable.
		return layout, rows, nil
	}
	// First row is an unrecognized header; keep only the sampled data rows.
	return layout, sample, nil
}

func rowHasAddress(record []string) bool {
	for _, cell := range record {
		if email.LooksLikeAddress(cell) {
			return true
		}
	}
	return false
}

// scoreEmailColumn returns the first column index where a majority of
// non-empty sampled values look like addresses, or -1.
func scoreEmailColumn(rows [][]string) int {
	if len(rows) == 0 {
		return -1
	}
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	for col := 0; col < width; col++ {
		hits, nonEmpty := 0, 0
		for _, row := range rows {
			if col >= len(row) || strings.TrimSpace(row[col]) == "" {
				continue
			}
			nonEmpty++
			if email.LooksLikeAddress(row[col]) {
				hits++
			}
		}
		if nonEmpty > 0 && hits*2 > nonEmpty {
			return col
		}
	}
	return -1
}

// dedupeBatch applies within-batch deduplication when requested.
func dedupeBatch(batch *ImportBatch, opts ParseOptions) *ImportBatch {
	if !opts.RemoveDuplicates || len(batch.Candidates) == 0 {
		return batch
	}

	seen := make(map[string]struct{}, len(batch.Candidates))
	kept := batch.Candidates[:0]
	for _, c := range batch.Candidates {
		if _, dup := seen[c.Email]; dup {
			batch.DuplicatesRemoved++
			continue
		}
		seen[c.Email] = struct{}{}
		kept = append(kept, c)
	}
	batch.Candidates = kept
	return batch
}
