// Package google mirrors reservations into a Google Sheets spreadsheet.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"seminarhall/internal/events"
	"seminarhall/internal/models"
	"seminarhall/internal/slots"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	DefaultSheetName = "Reservations"
	timestampLayout  = "2006-01-02 15:04:05"
	lastColumn       = "L"
	versionColumn    = 11
)

var errRowNotFound = errors.New("reservation row not found")

var headerRow = []interface{}{
	"ID", "Hall", "Requester", "Date", "Period", "Time", "Status", "Reason", "Rejection Reason", "Created At", "Updated At", "Version",
}

// SheetsMirror keeps one row per reservation, keyed by the id in column A.
type SheetsMirror struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	calendar      *slots.Calendar

	rowCache map[string]int
	// versions holds the last reservation version written per id.
	versions map[string]int64
	cacheMu  sync.RWMutex
}

// NewSheetsMirror authenticates with a service account credentials file.
func NewSheetsMirror(ctx context.Context, credentialsFile, spreadsheetID, sheetName string, calendar *slots.Calendar) (*SheetsMirror, error) {
	// Читаем файл учетных данных сервисного аккаунта
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newSheetsMirror(srv, spreadsheetID, sheetName, calendar), nil
}

func newSheetsMirror(srv *sheets.Service, spreadsheetID, sheetName string, calendar *slots.Calendar) *SheetsMirror {
	if sheetName == "" {
		sheetName = DefaultSheetName
	}
	if calendar == nil {
		calendar = slots.Default()
	}
	return &SheetsMirror{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		calendar:      calendar,
		rowCache:      make(map[string]int),
		versions:      make(map[string]int64),
	}
}

func (s *SheetsMirror) Name() string {
	return "sheets"
}

// Deliver upserts the reservation carried by a reservation event.
// Events older than the mirrored version are dropped so a late retry
// cannot roll a row back.
func (s *SheetsMirror) Deliver(ctx context.Context, eventType string, payload []byte) error {
	ev, err := events.DecodeReservation(payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if s.isStale(&ev.Reservation) {
		return nil
	}
	return s.UpsertReservation(ctx, &ev.Reservation)
}

// TestConnection проверяет подключение к таблице
func (s *SheetsMirror) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// WarmUpCache rebuilds the row index and version caches from the sheet.
func (s *SheetsMirror) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:"+lastColumn).Context(ctx).Do()
	if err != nil {
		return err
	}

	cache := make(map[string]int, len(resp.Values))
	versions := make(map[string]int64, len(resp.Values))
	for i, row := range resp.Values {
		if i == 0 || len(row) == 0 {
			continue
		}
		id := cellString(row[0])
		if id == "" {
			continue
		}
		cache[id] = i + 1
		if len(row) > versionColumn {
			if v, err := strconv.ParseInt(cellString(row[versionColumn]), 10, 64); err == nil {
				versions[id] = v
			}
		}
	}

	s.cacheMu.Lock()
	s.rowCache = cache
	s.versions = versions
	s.cacheMu.Unlock()
	return nil
}

// StartCacheRefresh re-reads the ID column every interval until ctx is done.
func (s *SheetsMirror) StartCacheRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_ = s.WarmUpCache(refreshCtx)
			cancel()
		}
	}
}

// UpsertReservation updates the reservation row or appends a new one.
func (s *SheetsMirror) UpsertReservation(ctx context.Context, r *models.Reservation) error {
	if r == nil || r.ID == "" {
		return errors.New("reservation id is required")
	}

	rowIdx, err := s.FindReservationRow(ctx, r.ID)
	if errors.Is(err, errRowNotFound) {
		return s.AppendReservation(ctx, r)
	}
	if err != nil {
		return err
	}

	rangeData := fmt.Sprintf("%s!A%d:%s%d", s.sheetName, rowIdx, lastColumn, rowIdx)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, &sheets.ValueRange{
		Values: [][]interface{}{s.rowValues(r)},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return err
	}
	s.setVersion(r.ID, r.Version)
	return nil
}

// AppendReservation добавляет новую строку и запоминает её номер
func (s *SheetsMirror) AppendReservation(ctx context.Context, r *models.Reservation) error {
	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A:A", &sheets.ValueRange{
		Values: [][]interface{}{s.rowValues(r)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return err
	}
	if resp.Updates != nil {
		if row, ok := firstRow(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(r.ID, row)
		}
	}
	s.setVersion(r.ID, r.Version)
	return nil
}

// FindReservationRow locates the 1-based row of id in column A.
func (s *SheetsMirror) FindReservationRow(ctx context.Context, id string) (int, error) {
	if row, ok := s.getCachedRow(id); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if len(row) > 0 && cellString(row[0]) == id {
			s.setCachedRow(id, i+1)
			return i + 1, nil
		}
	}
	return 0, errRowNotFound
}

// ReplaceAll rewrites the sheet with a header and one row per reservation.
func (s *SheetsMirror) ReplaceAll(ctx context.Context, reservations []*models.Reservation) error {
	_, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.sheetName+"!A1:Z", &sheets.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to clear reservations sheet: %w", err)
	}

	values := make([][]interface{}, 0, len(reservations)+1)
	values = append(values, headerRow)
	for _, r := range reservations {
		values = append(values, s.rowValues(r))
	}

	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.sheetName+"!A1", &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to update reservations sheet: %w", err)
	}

	cache := make(map[string]int, len(reservations))
	versions := make(map[string]int64, len(reservations))
	for i, r := range reservations {
		cache[r.ID] = i + 2
		versions[r.ID] = r.Version
	}
	s.cacheMu.Lock()
	s.rowCache = cache
	s.versions = versions
	s.cacheMu.Unlock()
	return nil
}

func (s *SheetsMirror) rowValues(r *models.Reservation) []interface{} {
	return []interface{}{
		r.ID,
		r.ResourceID,
		r.RequesterID,
		r.Date.String(),
		r.Period,
		s.calendar.Label(r.Period),
		string(r.Status),
		r.Reason,
		r.RejectionReason,
		r.CreatedAt.Format(timestampLayout),
		r.UpdatedAt.Format(timestampLayout),
		r.Version,
	}
}

// isStale reports whether this or a newer version of r is already mirrored.
func (s *SheetsMirror) isStale(r *models.Reservation) bool {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	v, ok := s.versions[r.ID]
	return ok && v >= r.Version
}

func (s *SheetsMirror) setVersion(id string, version int64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if version > s.versions[id] {
		s.versions[id] = version
	}
}

func (s *SheetsMirror) getCachedRow(id string) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *SheetsMirror) setCachedRow(id string, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

var rangeRowPattern = regexp.MustCompile(`![A-Z]+(\d+)`)

// firstRow extracts 10 from "Reservations!A10:K10".
func firstRow(a1 string) (int, bool) {
	m := rangeRowPattern.FindStringSubmatch(a1)
	if m == nil {
		return 0, false
	}
	row, err := strconv.Atoi(m[1])
	return row, err == nil
}

func cellString(v interface{}) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	default:
		return fmt.Sprint(c)
	}
}
