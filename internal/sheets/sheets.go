package sheets

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/someta/mathhelper/internal/model"
)

// TimestampLayout is the human-readable timestamp written to the sheet.
const TimestampLayout = "2006-01-02 03:04:05 PM"

// Writer appends interaction log rows to a Google Sheet.
type Writer struct {
	svc           *gsheets.Service
	spreadsheetID string
	writeRange    string
	loc           *time.Location
}

// New creates a Writer for spreadsheetID. writeRange is an A1 range such as
// "Sheet1!A:F"; timestamps are rendered in loc.
func New(ctx context.Context, spreadsheetID, writeRange string, loc *time.Location, opts ...option.ClientOption) (*Writer, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if writeRange == "" {
		writeRange = "Sheet1!A:F"
	}
	if loc == nil {
		loc = time.UTC
	}
	opts = append([]option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}, opts...)
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Writer{svc: svc, spreadsheetID: spreadsheetID, writeRange: writeRange, loc: loc}, nil
}

func (w *Writer) Name() string { return "sheets" }

// Append writes one row: timestamp, student id, input, response, message
// type, chat target.
func (w *Writer) Append(ctx context.Context, entry model.LogEntry) error {
	vr := &gsheets.ValueRange{Values: [][]interface{}{Row(entry, w.loc)}}
	_, err := w.svc.Spreadsheets.Values.Append(w.spreadsheetID, w.writeRange, vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append row: %w", err)
	}
	return nil
}

// Row renders an entry as sheet cells.
func Row(entry model.LogEntry, loc *time.Location) []interface{} {
	return []interface{}{
		entry.Timestamp.In(loc).Format(TimestampLayout),
		entry.StudentID,
		entry.UserInput,
		entry.AIResponse,
		string(entry.MessageType),
		string(entry.ChatTarget),
	}
}

// CredentialOptions turns a credentials setting into client options. The
// value may be base64-encoded service account JSON, raw JSON, or a file path.
// An empty value falls back to application default credentials.
func CredentialOptions(creds string) ([]option.ClientOption, error) {
	creds = strings.TrimSpace(creds)
	if creds == "" {
		return nil, nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}, nil
	}
	if _, err := os.Stat(creds); err == nil {
		return []option.ClientOption{option.WithCredentialsFile(creds)}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(creds)
	if err != nil {
		return nil, fmt.Errorf("google credentials are neither JSON, a readable file nor base64: %w", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(decoded)), "{") {
		return nil, fmt.Errorf("decoded google credentials are not JSON")
	}
	return []option.ClientOption{option.WithCredentialsJSON(decoded)}, nil
}
