// Package schedule reads pre-planned meetings from a CSV file and watches it
// for changes.
//
// Expected header columns: title, location, start_at (and optionally
// timezone). start_at is "2006-01-02 15:04" wall time in the row's zone;
// rows already in the past are skipped.
package schedule

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"remindbot/internal/storage"
)

const (
	timeLayout      = "2006-01-02 15:04"
	defaultTimezone = "Europe/Moscow"
)

// Read parses the schedule CSV at path, normalizing start times to UTC and
// dropping rows whose start is at or before now.
func Read(path string, now time.Time) ([]storage.EventDraft, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f, now)
}

func parse(r io.Reader, now time.Time) ([]storage.EventDraft, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schedule csv: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"title", "start_at"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("schedule csv: missing %q column", required)
		}
	}

	var drafts []storage.EventDraft
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("schedule csv line %d: %w", line, err)
		}

		tzName := defaultTimezone
		if i, ok := col["timezone"]; ok && i < len(rec) && strings.TrimSpace(rec[i]) != "" {
			tzName = strings.TrimSpace(rec[i])
		}
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("schedule csv line %d: timezone %q: %w", line, tzName, err)
		}

		startAt, err := time.ParseInLocation(timeLayout, strings.TrimSpace(rec[col["start_at"]]), loc)
		if err != nil {
			return nil, fmt.Errorf("schedule csv line %d: start_at: %w", line, err)
		}
		startAt = startAt.UTC()
		if !startAt.After(now) {
			continue
		}

		location := ""
		if i, ok := col["location"]; ok && i < len(rec) {
			location = strings.TrimSpace(rec[i])
		}
		drafts = append(drafts, storage.EventDraft{
			Title:    strings.TrimSpace(rec[col["title"]]),
			Location: location,
			StartAt:  startAt,
		})
	}
	return drafts, nil
}
