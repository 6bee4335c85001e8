// Package listings parses the listings snapshot and normalizes it into a
// record set ready for loading.
package listings

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a single normalized row of the listings table.
type Listing struct {
	ID            int64
	ListingURL    string
	Name          string
	RoomType      string
	MinimumNights int64 // never 0 after normalization
	HostID        int64
	Price         decimal.Decimal // no currency symbol or grouping, >= 0

	// Zero values mean the source field was empty and load as NULL.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the default target table name.
func (Listing) TableName() string {
	return "listings"
}

// ColumnType is the logical type of a column, mapped to a concrete type by
// each warehouse dialect.
type ColumnType int

const (
	TypeInteger ColumnType = iota
	TypeString
	TypeDecimal
	TypeTimestamp
)

// Column describes one column of the target table.
type Column struct {
	Name string
	Type ColumnType
}

// Columns is the fixed target schema, in load order.
var Columns = []Column{
	{Name: "id", Type: TypeInteger},
	{Name: "listing_url", Type: TypeString},
	{Name: "name", Type: TypeString},
	{Name: "room_type", Type: TypeString},
	{Name: "minimum_nights", Type: TypeInteger},
	{Name: "host_id", Type: TypeInteger},
	{Name: "price", Type: TypeDecimal},
	{Name: "created_at", Type: TypeTimestamp},
	{Name: "updated_at", Type: TypeTimestamp},
}

// ColumnNames returns the names of Columns in order.
func ColumnNames() []string {
	names := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = c.Name
	}
	return names
}

// RecordSet is an ordered, read-only sequence of normalized listings.
type RecordSet struct {
	rows    []Listing
	skipped int64
}

// NewRecordSet copies rows into a new record set.
func NewRecordSet(rows []Listing) *RecordSet {
	return &RecordSet{rows: append([]Listing(nil), rows...)}
}

// Len returns the number of rows.
func (s *RecordSet) Len() int { return len(s.rows) }

// At returns row i in source order.
func (s *RecordSet) At(i int) Listing { return s.rows[i] }

// Rows returns a copy of all rows.
func (s *RecordSet) Rows() []Listing {
	return append([]Listing(nil), s.rows...)
}

// Skipped returns how many source rows were dropped under the skip policy.
func (s *RecordSet) Skipped() int64 { return s.skipped }
