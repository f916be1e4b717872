// Package sheets uploads monthly report rows to the practice's Google
// spreadsheet, keyed by (year, month) so re-running a report replaces the
// month's row instead of appending a duplicate.
package sheets

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Client wraps the Sheets API for one spreadsheet tab.
type Client struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
	log           zerolog.Logger
}

// New builds a client authenticated with a service account key file.
func New(ctx context.Context, credentialsFile, spreadsheetID, sheetName string, log zerolog.Logger) (*Client, error) {
	if sheetName == "" {
		sheetName = "Data"
	}
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		log:           log,
	}, nil
}

func (c *Client) fullRange() string {
	return fmt.Sprintf("'%s'!A:Z", c.sheetName)
}

// Rows returns every row currently on the tab.
func (c *Client) Rows(ctx context.Context) ([][]any, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, c.fullRange()).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read sheet: %w", err)
	}
	return resp.Values, nil
}

// FindRowByPeriod returns the 1-based row number whose first two cells match
// the given year and month, or 0 when no row matches.
func (c *Client) FindRowByPeriod(ctx context.Context, year int, month string) (int, error) {
	rows, err := c.Rows(ctx)
	if err != nil {
		return 0, err
	}
	for i, row := range rows {
		if len(row) < 2 {
			continue
		}
		y, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(row[0])))
		if err != nil {
			continue
		}
		if y == year && strings.TrimSpace(fmt.Sprint(row[1])) == month {
			return i + 1, nil
		}
	}
	return 0, nil
}

// Append adds a row at the bottom of the tab.
func (c *Client) Append(ctx context.Context, row []any) error {
	body := &sheets.ValueRange{Values: [][]any{row}}
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, c.fullRange(), body).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append sheet row: %w", err)
	}
	return nil
}

// Update overwrites the given 1-based row.
func (c *Client) Update(ctx context.Context, rowNumber int, row []any) error {
	rng := fmt.Sprintf("'%s'!A%d:Z%d", c.sheetName, rowNumber, rowNumber)
	body := &sheets.ValueRange{Values: [][]any{row}}
	_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng, body).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("update sheet row %d: %w", rowNumber, err)
	}
	return nil
}

// UpsertMonthly writes the month's row: update in place when a row for the
// period already exists, append otherwise.
func (c *Client) UpsertMonthly(ctx context.Context, year int, month string, row []any) error {
	existing, err := c.FindRowByPeriod(ctx, year, month)
	if err != nil {
		return err
	}
	if existing > 0 {
		c.log.Info().Int("row", existing).Int("year", year).Str("month", month).
			Msg("updating existing sheet row")
		return c.Update(ctx, existing, row)
	}
	c.log.Info().Int("year", year).Str("month", month).Msg("appending sheet row")
	return c.Append(ctx, row)
}

// Verify checks the spreadsheet is reachable with the configured credentials.
func (c *Client) Verify(ctx context.Context) bool {
	resp, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Context(ctx).Do()
	if err != nil {
		c.log.Error().Err(err).Msg("sheet connection failed")
		return false
	}
	if resp.Properties != nil {
		c.log.Info().Str("title", resp.Properties.Title).Msg("connected to spreadsheet")
	}
	return true
}
