package excel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// Workbooks kept by the mirror
const (
	BookExisting = "existing"
	BookCalls    = "calls"
	BookReadings = "readings"
)

const sheet = "Sheet1"

var headers = map[string][]interface{}{
	BookExisting: {"Patient ID", "Phone", "Username", "Enrolled At"},
	BookCalls:    {"Time", "Patient ID", "Phone", "Reminder", "Script", "Execution", "Status", "Quality", "Next Review"},
	BookReadings: {"Time", "Patient ID", "Phone", "Variable", "Value"},
}

// ErrUnknownBook is returned for a workbook name the mirror does not keep
var ErrUnknownBook = errors.New("excel: unknown workbook")

// Mirror appends rows to spreadsheet copies of the records. It is a convenience
// copy for operators: callers treat its errors as non-fatal. A nil *Mirror discards rows.
type Mirror struct {
	dir            string
	retries        int
	initialBackoff time.Duration
	log            *zap.Logger

	mu sync.Mutex // workbooks are rewritten whole on every append
}

// NewMirror creates a mirror writing <dir>/<book>.xlsx
func NewMirror(dir string, retries int, initialBackoff time.Duration, log *zap.Logger) (*Mirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	return &Mirror{dir: dir, retries: retries, initialBackoff: initialBackoff, log: log}, nil
}

// Path returns the file backing a workbook
func (m *Mirror) Path(book string) string {
	return filepath.Join(m.dir, book+".xlsx")
}

// Append adds one row to the end of a workbook, writing the header first if the workbook is new.
// Transient failures are retried with exponential backoff.
func (m *Mirror) Append(ctx context.Context, book string, row []interface{}) error {
	if m == nil {
		return nil
	}
	header, ok := headers[book]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBook, book)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.initialBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.retries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := m.appendRow(book, header, row)
		if err != nil {
			m.log.Warn("Mirror append failed",
				zap.String("book", book), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, b)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", book, err)
	}
	return nil
}

func (m *Mirror) appendRow(book string, header, row []interface{}) error {
	path := m.Path(book)

	var f *excelize.File
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f = excelize.NewFile()
	} else {
		f, err = excelize.OpenFile(path)
		if err != nil {
			return fmt.Errorf("failed to open workbook: %w", err)
		}
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("failed to get rows: %w", err)
	}
	next := len(rows) + 1
	if len(rows) == 0 {
		if err := setRow(f, 1, header); err != nil {
			return err
		}
		next = 2
	}
	if err := setRow(f, next, row); err != nil {
		return err
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, n int, values []interface{}) error {
	cellName, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cellName, &values); err != nil {
		return fmt.Errorf("failed to write row %d: %w", n, err)
	}
	return nil
}

// Rows returns the rows of a workbook including its header. A workbook never written has no rows.
func (m *Mirror) Rows(book string) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.Path(book)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return readWorkbook(path, sheet)
}
