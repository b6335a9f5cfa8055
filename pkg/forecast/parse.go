package forecast

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoHeader is returned when a forecast file has no header row.
var ErrNoHeader = errors.New("forecast file has no header")

// Point is one forecast sample: a timestamp and a value per output column.
type Point struct {
	Time   time.Time
	Values map[string]float64
}

// timestampLayouts are the formats produced by the inference job, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/06 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a forecast timestamp. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseStats counts rows skipped while parsing.
type ParseStats struct {
	Rows    int
	Skipped int
}

// Parse reads a forecast CSV: a header row, then rows whose first column
// is a timestamp and whose remaining columns are numeric. Rows with the
// wrong column count, a bad timestamp or a non-numeric value are skipped.
// Points are returned in time order.
func Parse(r io.Reader) ([]Point, ParseStats, error) {
	var stats ParseStats

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, stats, ErrNoHeader
	}
	if err != nil {
		return nil, stats, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) < 2 {
		return nil, stats, fmt.Errorf("forecast header has %d columns, need at least 2", len(header))
	}

	var points []Point
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				stats.Skipped++
				continue
			}
			return nil, stats, fmt.Errorf("failed to read forecast: %w", err)
		}
		if isBlank(record) {
			continue
		}
		stats.Rows++

		p, ok := parseRecord(header, record)
		if !ok {
			stats.Skipped++
			continue
		}
		points = append(points, p)
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points, stats, nil
}

func parseRecord(header, record []string) (Point, bool) {
	if len(record) != len(header) {
		return Point{}, false
	}
	ts, err := ParseTimestamp(record[0])
	if err != nil {
		return Point{}, false
	}
	p := Point{Time: ts, Values: make(map[string]float64, len(header)-1)}
	for i := 1; i < len(header); i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		if err != nil {
			return Point{}, false
		}
		p.Values[header[i]] = v
	}
	return p, true
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
