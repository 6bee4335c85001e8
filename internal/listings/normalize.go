package listings

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/shopspring/decimal"

	"github.com/withObsrvr/listings-etl/internal/errkind"
	"github.com/withObsrvr/listings-etl/internal/source"
)

// utf8BOM is stripped from the first header cell if present.
const utf8BOM = "\uFEFF"

// maxLoggedSkips bounds how many skip reasons are logged per run.
const maxLoggedSkips = 5

// timestampLayouts are tried in order for created_at / updated_at.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// Normalizer turns the raw listings file into a RecordSet.
type Normalizer struct {
	policy RowPolicy
	log    *slog.Logger
}

// NewNormalizer creates a normalizer with the given row error policy.
func NewNormalizer(policy RowPolicy) *Normalizer {
	return &Normalizer{
		policy: policy,
		log:    slog.With("component", "normalizer"),
	}
}

// Normalize reads the fetched artifact. Files ending in .gz or .zst are
// decompressed transparently.
func (n *Normalizer) Normalize(ctx context.Context, art *source.Artifact) (*RecordSet, error) {
	f, err := os.Open(art.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.New(errkind.NotFound, "normalize", err)
		}
		return nil, errkind.New(errkind.AccessDenied, "normalize", err)
	}
	defer f.Close()

	r, closeFn, err := decompress(f, art.Path)
	if err != nil {
		return nil, errkind.New(errkind.SchemaMismatch, "normalize", err)
	}
	defer closeFn()

	return n.NormalizeReader(ctx, r)
}

func decompress(f *os.File, path string) (io.Reader, func(), error) {
	br := bufio.NewReaderSize(f, 64*1024)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, func() { zr.Close() }, nil
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

// NormalizeReader parses comma-delimited text with a header row and
// normalizes every data row. Source order is preserved.
func (n *Normalizer) NormalizeReader(ctx context.Context, r io.Reader) (*RecordSet, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errkind.Newf(errkind.SchemaMismatch, "normalize", "input is empty")
		}
		return nil, errkind.New(errkind.SchemaMismatch, "normalize", fmt.Errorf("read header: %w", err))
	}
	idx, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	set := &RecordSet{}
	line := 1
	for {
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errkind.FromContext("normalize", err)
			}
		}

		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++

		var row Listing
		if err == nil {
			row, err = parseRow(rec, idx)
		} else {
			err = errkind.New(errkind.MalformedField, "normalize", err)
		}
		if err != nil {
			if n.policy == PolicyFail {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			set.skipped++
			if set.skipped <= maxLoggedSkips {
				n.log.Warn("skipping row", "line", line, "error", err)
			}
			continue
		}
		set.rows = append(set.rows, row)
	}

	n.log.Info("normalized listings",
		"rows", len(set.rows),
		"skipped", set.skipped,
		"policy", n.policy.String(),
	)
	return set, nil
}

// mapHeader returns the source index of every target column.
func mapHeader(header []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		h = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}

	idx := make([]int, len(Columns))
	var missing []string
	for i, col := range Columns {
		si, ok := pos[col.Name]
		if !ok {
			missing = append(missing, col.Name)
			continue
		}
		idx[i] = si
	}
	if len(missing) > 0 {
		return nil, errkind.Newf(errkind.SchemaMismatch, "normalize",
			"missing required columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

func parseRow(rec []string, idx []int) (Listing, error) {
	field := func(col int) string {
		si := idx[col]
		if si >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[si])
	}

	var (
		row Listing
		err error
	)

	// Column positions follow Columns.
	if row.Price, err = NormalizePrice(field(6)); err != nil {
		return Listing{}, err
	}
	if row.MinimumNights, err = parseInt("minimum_nights", field(4)); err != nil {
		return Listing{}, err
	}
	row.MinimumNights = ClampMinimumNights(row.MinimumNights)

	if row.ID, err = parseInt("id", field(0)); err != nil {
		return Listing{}, err
	}
	if row.HostID, err = parseInt("host_id", field(5)); err != nil {
		return Listing{}, err
	}
	if row.CreatedAt, err = parseTimestamp("created_at", field(7)); err != nil {
		return Listing{}, err
	}
	if row.UpdatedAt, err = parseTimestamp("updated_at", field(8)); err != nil {
		return Listing{}, err
	}

	row.ListingURL = field(1)
	row.Name = field(2)
	row.RoomType = field(3)
	return row, nil
}

// priceScale is the scale of the price column, NUMBER(10,2).
const priceScale = 2

// NormalizePrice strips currency symbols and grouping separators and parses
// the remainder as a non-negative decimal. Prices with more fractional
// digits than the column holds are rejected, not rounded; trailing zeros
// are fine.
func NormalizePrice(raw string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ',' || unicode.Is(unicode.Sc, r) {
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return decimal.Decimal{}, errkind.Newf(errkind.MalformedPrice, "normalize", "price %q is empty", raw)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, errkind.Newf(errkind.MalformedPrice, "normalize", "price %q is not a number", raw)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, errkind.Newf(errkind.MalformedPrice, "normalize", "price %q is negative", raw)
	}
	if !d.Equal(d.Truncate(priceScale)) {
		return decimal.Decimal{}, errkind.Newf(errkind.MalformedPrice, "normalize",
			"price %q has more than %d decimal places", raw, priceScale)
	}
	return d, nil
}

// ClampMinimumNights rewrites exactly 0 to 1. Negative values pass through
// unchanged.
func ClampMinimumNights(v int64) int64 {
	if v == 0 {
		return 1
	}
	return v
}

func parseInt(col, raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errkind.Newf(errkind.MalformedField, "normalize", "column %s: invalid integer %q", col, raw)
	}
	return v, nil
}

func parseTimestamp(col, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errkind.Newf(errkind.MalformedField, "normalize", "column %s: invalid timestamp %q", col, raw)
}
