// internal/netlog/exporter.go
package netlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netlogger/api/schemas"
)

// ErrExportIO is returned when the export destination cannot be created or written.
var ErrExportIO = errors.New("export destination unwritable")

// TimestampLayout is how entry timestamps are written to the export file.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// FailurePrefix marks the status_text cell of a request that failed outright, so it
// can be told apart from one that simply never got a response.
const FailurePrefix = "failed: "

// Columns is the fixed header row of the export file.
var Columns = []string{
	"timestamp",
	"method",
	"url",
	"resource_type",
	"status",
	"status_text",
	"request_headers",
	"response_headers",
	"post_data",
}

// Exporter serializes log snapshots to CSV.
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates an Exporter.
func NewExporter(logger *zap.Logger) *Exporter {
	return &Exporter{logger: logger.Named("exporter")}
}

// Export writes entries to the file at destination, creating parent directories
// as needed. All I/O failures wrap ErrExportIO.
func (x *Exporter) Export(entries []schemas.LogEntry, destination string) error {
	if destination == "" {
		return fmt.Errorf("%w: empty destination path", ErrExportIO)
	}
	if dir := filepath.Dir(destination); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create directory %s: %w", ErrExportIO, dir, err)
		}
	}

	f, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrExportIO, destination, err)
	}
	if err := x.Write(f, entries); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrExportIO, destination, err)
	}

	x.logger.Info("Exported network log.", zap.String("path", destination), zap.Int("entries", len(entries)))
	return nil
}

// Write emits the header row followed by one row per entry, in order.
func (x *Exporter) Write(w io.Writer, entries []schemas.LogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("%w: write header: %w", ErrExportIO, err)
	}
	for _, e := range entries {
		if err := cw.Write(Row(e)); err != nil {
			return fmt.Errorf("%w: write row for %s: %w", ErrExportIO, e.RequestID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrExportIO, err)
	}
	return nil
}

// Row renders one entry in column order. Absent values become empty cells.
// Values are written byte for byte; note that encoding/csv's Reader folds CRLF
// inside a quoted field to LF, while RFC 4180 readers keep it.
func Row(e schemas.LogEntry) []string {
	var status, statusText, responseHeaders string
	switch e.Outcome() {
	case schemas.OutcomeResponded:
		status = strconv.Itoa(*e.Status)
		if e.StatusText != nil {
			statusText = *e.StatusText
		}
		responseHeaders = HeaderBlob(e.ResponseHeaders)
	case schemas.OutcomeFailed:
		statusText = FailurePrefix + *e.Failure
	}

	var postData string
	if e.PostData != nil {
		postData = *e.PostData
	}

	return []string{
		e.Timestamp.Format(TimestampLayout),
		e.Method,
		e.URL,
		string(e.ResourceType),
		status,
		statusText,
		HeaderBlob(e.RequestHeaders),
		responseHeaders,
		postData,
	}
}

// HeaderBlob renders a header map as a single JSON object with sorted keys.
func HeaderBlob(h map[string]string) string {
	if h == nil {
		h = map[string]string{}
	}
	out, err := json.ConfigCompatibleWithStandardLibrary.MarshalToString(h)
	if err != nil {
		// A map[string]string always marshals.
		return "{}"
	}
	return out
}

// DefaultFilename builds a report name of the form [prefix_]NL_DDMMYY_HHMMSSAM.csv.
func DefaultFilename(prefix string, now time.Time) string {
	name := "NL_" + now.Format("020106_030405PM") + ".csv"
	prefix = strings.TrimSpace(prefix)
	if prefix != "" {
		name = prefix + "_" + name
	}
	return name
}

// EnsureCSVExt appends ".csv" to name unless it already ends with it.
func EnsureCSVExt(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".csv") {
		return name
	}
	return name + ".csv"
}
