package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CSVHeader is the interchange column order. Import matches columns by
// name, so files from other tools only need the Date and Amount columns.
var CSVHeader = []string{
	"ID",
	"Date",
	"Description",
	"Amount (SOL)",
	"Category",
	"Status",
	"Type",
	"Other Party",
	"Signature",
	"Fees (SOL)",
}

const (
	colID = iota
	colDate
	colDescription
	colAmount
	colCategory
	colStatus
	colType
	colOtherParty
	colSignature
	colFees
)

// dateLayouts are tried in order when importing the Date column.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ExportCSV writes records with a header row. Dates are written in UTC
// to the second.
func ExportCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range records {
		fees := ""
		if r.Fees != nil {
			fees = r.Fees.String()
		}
		row := []string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Description,
			r.Amount.String(),
			r.Category,
			string(r.Status),
			string(r.Type),
			r.OtherParty(),
			r.Signature,
			fees,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row for %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ImportCSV reads records written by ExportCSV or a compatible tool.
// Missing Status defaults to confirmed and missing Type to outgoing. Other
// Party becomes the destination of outgoing records and the source of
// incoming ones. Imported records are local; IDs are kept when present.
func ImportCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	index := make(map[int]int, len(CSVHeader))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		for col, want := range CSVHeader {
			if strings.EqualFold(name, want) {
				index[col] = i
			}
		}
	}
	for _, required := range []int{colDate, colAmount} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("CSV is missing required column %q", CSVHeader[required])
		}
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}
		field := func(col int) string {
			i, ok := index[col]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		rec, err := parseRow(field)
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(field func(int) string) (Record, error) {
	rec := Record{
		ID:          field(colID),
		Description: field(colDescription),
		Category:    field(colCategory),
		Signature:   field(colSignature),
		Status:      StatusConfirmed,
		Type:        TypeOutgoing,
		Origin:      OriginLocal,
	}

	ts, err := parseDate(field(colDate))
	if err != nil {
		return Record{}, err
	}
	rec.Timestamp = ts

	rec.Amount, err = decimal.NewFromString(field(colAmount))
	if err != nil {
		return Record{}, fmt.Errorf("invalid amount %q: %w", field(colAmount), err)
	}

	if v := field(colFees); v != "" {
		fees, err := decimal.NewFromString(v)
		if err != nil {
			return Record{}, fmt.Errorf("invalid fees %q: %w", v, err)
		}
		rec.Fees = &fees
	}

	if v := Status(strings.ToLower(field(colStatus))); v != "" {
		if !v.Valid() {
			return Record{}, fmt.Errorf("unknown status %q", v)
		}
		rec.Status = v
	}
	if v := Type(strings.ToLower(field(colType))); v != "" {
		if v != TypeIncoming && v != TypeOutgoing {
			return Record{}, fmt.Errorf("unknown type %q", v)
		}
		rec.Type = v
	}

	switch rec.Type {
	case TypeIncoming:
		rec.FromAddress = field(colOtherParty)
	case TypeOutgoing:
		rec.ToAddress = field(colOtherParty)
	}
	return rec, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// Export writes the records visible for address as CSV.
func (s *Store) Export(ctx context.Context, w io.Writer, address string) error {
	return ExportCSV(w, s.All(ctx, address))
}

// Import merges CSV records into the local list. Rows whose ID or signature
// is already stored are skipped; rows without an ID get a fresh one. It
// returns the number of records added.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	imported, err := ImportCSV(r)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.loadLocal(ctx)
	ids := make(map[string]struct{}, len(records))
	sigs := make(map[string]struct{}, len(records))
	for _, rec := range records {
		ids[rec.ID] = struct{}{}
		if rec.Signature != "" {
			sigs[rec.Signature] = struct{}{}
		}
	}

	added := 0
	for _, rec := range imported {
		if rec.ID == "" {
			rec.ID = s.newID()
		}
		if _, dup := ids[rec.ID]; dup {
			continue
		}
		if rec.Signature != "" {
			if _, dup := sigs[rec.Signature]; dup {
				continue
			}
			sigs[rec.Signature] = struct{}{}
		}
		ids[rec.ID] = struct{}{}
		records = append(records, rec)
		added++
	}
	if added == 0 {
		return 0, nil
	}

	sortNewestFirst(records)
	if err := s.saveLocal(ctx, records); err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "imported transactions", "rows", len(imported), "added", added)
	return added, nil
}
