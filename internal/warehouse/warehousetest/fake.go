// Package warehousetest provides an in-memory warehouse.Client for tests.
package warehousetest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/withObsrvr/listings-etl/internal/listings"
	"github.com/withObsrvr/listings-etl/internal/warehouse"
)

// Fake records every call and keeps tables as rows of text fields.
type Fake struct {
	mu sync.Mutex

	// Calls lists operations in order: exec, stage, copy, remove, verify.
	Calls []string

	ExecErr   error
	StageErrs []error // returned by successive Stage calls, nil entries succeed
	CopyErr   error
	RemoveErr error

	// Reject marks rows the warehouse refuses to load.
	Reject func(fields []string) bool

	Tables map[string][][]string
	staged map[string][]byte
}

var _ warehouse.Client = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Tables: make(map[string][][]string),
		staged: make(map[string][]byte),
	}
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

// CallsOf counts calls of one kind.
func (f *Fake) CallsOf(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// StagedCount returns how many files are still staged.
func (f *Fake) StagedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.staged)
}

func (f *Fake) Dialect() warehouse.Dialect { return warehouse.DialectSnowflake }

func (f *Fake) Exec(_ context.Context, query string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exec")
	if f.ExecErr != nil {
		return f.ExecErr
	}
	fields := strings.Fields(query)
	if len(fields) > 4 && strings.HasPrefix(query, "CREATE OR REPLACE TABLE") {
		f.Tables[fields[4]] = [][]string{}
	}
	return nil
}

func (f *Fake) Stage(ctx context.Context, table warehouse.Table, localPath string) (warehouse.StagedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stage")
	if err := ctx.Err(); err != nil {
		return warehouse.StagedFile{}, err
	}
	if len(f.StageErrs) > 0 {
		err := f.StageErrs[0]
		f.StageErrs = f.StageErrs[1:]
		if err != nil {
			return warehouse.StagedFile{}, err
		}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return warehouse.StagedFile{}, err
	}
	name := filepath.Base(localPath)
	key := table.FQN() + "/" + name
	f.staged[key] = data
	return warehouse.StagedFile{Table: table, Name: name, Location: "@%" + key}, nil
}

func (f *Fake) CopyInto(_ context.Context, file warehouse.StagedFile, columns []string, policy listings.RowPolicy) (warehouse.CopyReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("copy")
	if f.CopyErr != nil {
		return warehouse.CopyReport{}, f.CopyErr
	}

	rows, ok := f.Tables[file.Table.FQN()]
	if !ok {
		return warehouse.CopyReport{}, fmt.Errorf("table %s does not exist", file.Table)
	}
	data, ok := f.staged[file.Table.FQN()+"/"+file.Name]
	if !ok {
		return warehouse.CopyReport{}, fmt.Errorf("file %s is not staged", file.Name)
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return warehouse.CopyReport{}, err
	}

	var rep warehouse.CopyReport
	var accepted [][]string
	for i, rec := range records {
		rep.RowsParsed++
		if len(rec) != len(columns) || (f.Reject != nil && f.Reject(rec)) {
			rep.ErrorsSeen++
			if rep.FirstError == "" {
				rep.FirstError = "rejected row " + strconv.Itoa(i+1)
			}
			if policy == listings.PolicyFail {
				return warehouse.CopyReport{}, fmt.Errorf("copy aborted: %s", rep.FirstError)
			}
			continue
		}
		accepted = append(accepted, rec)
	}

	f.Tables[file.Table.FQN()] = append(rows, accepted...)
	rep.RowsLoaded = int64(len(accepted))
	return rep, nil
}

func (f *Fake) RemoveStaged(_ context.Context, file warehouse.StagedFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove")
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	delete(f.staged, file.Table.FQN()+"/"+file.Name)
	return nil
}

// QueryVerification checks price (column 7) and minimum_nights (column 5).
func (f *Fake) QueryVerification(_ context.Context, table warehouse.Table) (warehouse.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("verify")
	rows, ok := f.Tables[table.FQN()]
	if !ok {
		return warehouse.Verification{}, fmt.Errorf("table %s does not exist", table)
	}
	v := warehouse.Verification{Rows: int64(len(rows))}
	for _, r := range rows {
		if strings.Contains(r[6], "$") {
			v.PricesWithSymbols++
		}
		if n, err := strconv.ParseInt(r[4], 10, 64); err == nil && n < 1 {
			v.NightsBelowOne++
		}
	}
	return v, nil
}

func (f *Fake) Close() error { return nil }
