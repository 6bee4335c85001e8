package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/withObsrvr/listings-etl/internal/errkind"
	"github.com/withObsrvr/listings-etl/internal/listings"
	"github.com/withObsrvr/listings-etl/internal/warehouse"
	"github.com/withObsrvr/listings-etl/internal/warehouse/warehousetest"
)

var testTable = warehouse.Table{Database: "AIRBNB", Schema: "DEV", Name: "listings"}

func makeRecords(n int) *listings.RecordSet {
	rows := make([]listings.Listing, n)
	for i := range rows {
		rows[i] = listings.Listing{
			ID:            int64(i + 1),
			ListingURL:    "https://www.airbnb.com/rooms/" + strconv.Itoa(i+1),
			Name:          "Listing " + strconv.Itoa(i+1),
			RoomType:      "Private room",
			MinimumNights: 2,
			HostID:        100,
			Price:         decimal.RequireFromString("42.5"),
			CreatedAt:     time.Date(2009, 6, 5, 21, 34, 42, 0, time.UTC),
		}
	}
	return listings.NewRecordSet(rows)
}

func newLoader(client warehouse.Client, policy listings.RowPolicy) *Loader {
	return New(client, Options{Policy: policy, StageRetries: 3, StageBackoff: time.Millisecond})
}

func retryable(msg string) error {
	return errkind.WithRetry(errkind.New(errkind.StageUploadError, "stage", errors.New(msg)), true)
}

func TestLoadCallOrder(t *testing.T) {
	fake := warehousetest.New()
	transfer := filepath.Join(t.TempDir(), "listings_transfer.csv")

	res, err := newLoader(fake, listings.PolicySkip).Load(context.Background(), makeRecords(5), testTable, transfer)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := []string{"exec", "stage", "copy", "remove"}
	if !reflect.DeepEqual(fake.Calls, want) {
		t.Errorf("calls = %v, want %v", fake.Calls, want)
	}
	if res.Attempted != 5 || res.Loaded != 5 || res.Skipped != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if fake.StagedCount() != 0 {
		t.Error("staged file should be removed after copy")
	}
	if len(fake.Tables["AIRBNB.DEV.listings"]) != 5 {
		t.Errorf("table has %d rows, want 5", len(fake.Tables["AIRBNB.DEV.listings"]))
	}
}

func TestLoadPartialCopy(t *testing.T) {
	fake := warehousetest.New()
	rejected := map[string]bool{"10": true, "20": true, "30": true}
	fake.Reject = func(fields []string) bool { return rejected[fields[0]] }

	res, err := newLoader(fake, listings.PolicySkip).Load(context.Background(), makeRecords(100), testTable,
		filepath.Join(t.TempDir(), "transfer.csv"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.Attempted != 100 || res.Loaded != 97 || res.Skipped != 3 {
		t.Errorf("result = %+v, want 100/97/3", res)
	}
	if res.Loaded+res.Skipped != res.Attempted {
		t.Error("Loaded + Skipped must equal Attempted")
	}
	if res.FirstError == "" {
		t.Error("FirstError should describe the first rejected row")
	}
}

func TestLoadAbortPolicy(t *testing.T) {
	fake := warehousetest.New()
	fake.Reject = func(fields []string) bool { return fields[0] == "2" }

	_, err := newLoader(fake, listings.PolicyFail).Load(context.Background(), makeRecords(3), testTable,
		filepath.Join(t.TempDir(), "transfer.csv"))
	if errkind.KindOf(err) != errkind.CopyError {
		t.Fatalf("err = %v, want CopyError", err)
	}
	if fake.CallsOf("remove") != 1 {
		t.Error("staged file should be removed even when the copy fails")
	}
}

func TestLoadDDLFailureStopsEverything(t *testing.T) {
	fake := warehousetest.New()
	fake.ExecErr = errors.New("insufficient privileges to operate on schema DEV")
	transfer := filepath.Join(t.TempDir(), "transfer.csv")

	_, err := newLoader(fake, listings.PolicySkip).Load(context.Background(), makeRecords(3), testTable, transfer)
	if errkind.KindOf(err) != errkind.DDLError {
		t.Fatalf("err = %v, want DDLError", err)
	}
	if !reflect.DeepEqual(fake.Calls, []string{"exec"}) {
		t.Errorf("calls = %v, want only exec", fake.Calls)
	}
	if _, err := os.Stat(transfer); !os.IsNotExist(err) {
		t.Error("transfer file must not be written after a DDL failure")
	}
}

func TestLoadRetriesTransientStageFailures(t *testing.T) {
	fake := warehousetest.New()
	fake.StageErrs = []error{retryable("connection reset"), retryable("timeout"), nil}

	res, err := newLoader(fake, listings.PolicySkip).Load(context.Background(), makeRecords(2), testTable,
		filepath.Join(t.TempDir(), "transfer.csv"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := fake.CallsOf("stage"); got != 3 {
		t.Errorf("stage calls = %d, want 3", got)
	}
	if res.Loaded != 2 {
		t.Errorf("Loaded = %d, want 2", res.Loaded)
	}
}

func TestLoadStageRetryBudget(t *testing.T) {
	fake := warehousetest.New()
	fake.StageErrs = []error{retryable("a"), retryable("b"), retryable("c")}
	l := New(fake, Options{Policy: listings.PolicySkip, StageRetries: 1, StageBackoff: time.Millisecond})

	_, err := l.Load(context.Background(), makeRecords(2), testTable, filepath.Join(t.TempDir(), "transfer.csv"))
	if errkind.KindOf(err) != errkind.StageUploadError {
		t.Fatalf("err = %v, want StageUploadError", err)
	}
	if got := fake.CallsOf("stage"); got != 2 {
		t.Errorf("stage calls = %d, want 2", got)
	}
	if fake.CallsOf("copy") != 0 {
		t.Error("copy must not run after staging fails")
	}
}

func TestLoadPermanentStageFailure(t *testing.T) {
	fake := warehousetest.New()
	fake.StageErrs = []error{
		errkind.WithRetry(errkind.New(errkind.StageUploadError, "stage", errors.New("insufficient privileges")), false),
	}

	_, err := newLoader(fake, listings.PolicySkip).Load(context.Background(), makeRecords(2), testTable,
		filepath.Join(t.TempDir(), "transfer.csv"))
	if errkind.KindOf(err) != errkind.StageUploadError {
		t.Fatalf("err = %v, want StageUploadError", err)
	}
	if errkind.Retryable(err) {
		t.Error("privilege failures are not retryable")
	}
	if got := fake.CallsOf("stage"); got != 1 {
		t.Errorf("stage calls = %d, want 1", got)
	}
}

func TestLoadTwiceIsIdempotent(t *testing.T) {
	fake := warehousetest.New()
	l := newLoader(fake, listings.PolicySkip)
	records := makeRecords(10)
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		if _, err := l.Load(context.Background(), records, testTable, filepath.Join(dir, "transfer.csv")); err != nil {
			t.Fatalf("load %d failed: %v", i, err)
		}
	}
	if got := len(fake.Tables["AIRBNB.DEV.listings"]); got != 10 {
		t.Errorf("table has %d rows after two loads, want 10", got)
	}
}

func TestWriteTransferFile(t *testing.T) {
	rows := []listings.Listing{{
		ID:            3176,
		ListingURL:    "https://www.airbnb.com/rooms/3176",
		Name:          "Fabulous Flat, great location",
		RoomType:      "Entire home/apt",
		MinimumNights: 1,
		HostID:        3718,
		Price:         decimal.RequireFromString("1200.5"),
		CreatedAt:     time.Date(2009, 6, 5, 21, 34, 42, 0, time.UTC),
	}}
	path := filepath.Join(t.TempDir(), "transfer.csv")

	res, err := WriteTransferFile(path, listings.NewRecordSet(rows))
	if err != nil {
		t.Fatalf("WriteTransferFile failed: %v", err)
	}
	data, _ := os.ReadFile(path)

	want := "3176,https://www.airbnb.com/rooms/3176,\"Fabulous Flat, great location\",Entire home/apt,1,3718,1200.50,2009-06-05 21:34:42,\n"
	if string(data) != want {
		t.Errorf("transfer file =\n%q\nwant\n%q", data, want)
	}
	if res.Size != int64(len(want)) {
		t.Errorf("Size = %d", res.Size)
	}
}
