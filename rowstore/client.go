package rowstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"github.com/sirupsen/logrus"
)

const maxRetries = 3

// APIError is a non-2xx response from the row-store API.
type APIError struct {
	StatusCode int
	Body       string // first 512 bytes
	retryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rowstore HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether a retry can help (429 and 5xx).
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrTransient:
		return e.Transient()
	}
	return false
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithBackoff replaces the default 1s, 2s, 4s schedule.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(c *Client) { c.backoff = fn }
}

// Client talks to a Smartsheet-style REST API with bearer auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	backoff func(attempt int) time.Duration
	sheets  SheetResolver

	mu      sync.Mutex
	columns map[int64]map[string]int64
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		backoff: defaultBackoff,
		columns: map[int64]map[string]int64{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sheets = NewSheetDirectory(c)
	return c
}

// NewClientFromEnv reads ROWSTORE_BASE_URL and ROWSTORE_API_TOKEN.
func NewClientFromEnv(opts ...Option) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("ROWSTORE_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.smartsheet.com/2.0"
	}
	token := strings.TrimSpace(os.Getenv("ROWSTORE_API_TOKEN"))
	if token == "" {
		return nil, errors.New("ROWSTORE_API_TOKEN is empty")
	}
	return NewClient(baseURL, token, opts...), nil
}

// Sheets exposes the identity resolver the client uses, so the routing table shares its cache.
func (c *Client) Sheets() SheetResolver {
	return c.sheets
}

func defaultBackoff(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

func (c *Client) retryDelay(attempt int, lastErr error) time.Duration {
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests && apiErr.retryAfter != "" {
		if secs, err := strconv.Atoi(apiErr.retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return c.backoff(attempt)
}

// do sends one request with retries on 429, 5xx and network errors. dest may be nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, dest any) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retryDelay(attempt, lastErr)
			config.GetLogger().WithFields(logrus.Fields{
				"field":   "rowstore",
				"method":  method,
				"path":    path,
				"attempt": attempt,
				"wait_ms": wait.Milliseconds(),
				"error":   lastErr.Error(),
			}).Warn("retrying row-store request")
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", ErrTransient, err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrTransient, err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if dest == nil || len(respBody) == 0 {
				return nil
			}
			dec := json.NewDecoder(bytes.NewReader(respBody))
			dec.UseNumber()
			return dec.Decode(dest)
		}

		bodyStr := string(respBody)
		if len(bodyStr) > 512 {
			bodyStr = bodyStr[:512]
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: bodyStr}
		if apiErr.Transient() {
			apiErr.retryAfter = resp.Header.Get("Retry-After")
			lastErr = apiErr
			continue
		}
		return apiErr
	}
	return lastErr
}

type apiColumn struct {
	Id    int64  `json:"id"`
	Title string `json:"title"`
}

type apiCell struct {
	ColumnId int64 `json:"columnId"`
	Value    any   `json:"value"`
}

type apiRow struct {
	Id       int64     `json:"id,omitempty"`
	ToBottom bool      `json:"toBottom,omitempty"`
	Cells    []apiCell `json:"cells"`
}

type apiSheet struct {
	Id      int64       `json:"id"`
	Name    string      `json:"name"`
	Columns []apiColumn `json:"columns"`
	Rows    []apiRow    `json:"rows"`
}

type apiResult struct {
	Result json.RawMessage `json:"result"`
}

// ListSheets returns every sheet visible to the token.
func (c *Client) ListSheets(ctx context.Context) ([]Sheet, error) {
	var out struct {
		Data []Sheet `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/sheets", url.Values{"includeAll": {"true"}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) sheetId(ctx context.Context, sheet string) (int64, error) {
	id, err := c.sheets.ResolveSheetId(ctx, sheet)
	if err != nil {
		return 0, fmt.Errorf("resolve sheet %s: %w", sheet, err)
	}
	return id, nil
}

// columnIds returns title -> id for the sheet, fetched once per process.
func (c *Client) columnIds(ctx context.Context, sheetId int64) (map[string]int64, error) {
	c.mu.Lock()
	cols, ok := c.columns[sheetId]
	c.mu.Unlock()
	if ok {
		return cols, nil
	}

	var out struct {
		Data []apiColumn `json:"data"`
	}
	path := fmt.Sprintf("/sheets/%d/columns", sheetId)
	if err := c.do(ctx, http.MethodGet, path, url.Values{"includeAll": {"true"}}, nil, &out); err != nil {
		return nil, err
	}
	cols = make(map[string]int64, len(out.Data))
	for _, col := range out.Data {
		cols[col.Title] = col.Id
	}
	c.mu.Lock()
	c.columns[sheetId] = cols
	c.mu.Unlock()
	return cols, nil
}

// InvalidateColumns drops cached column ids, e.g. after a column was added to a sheet.
func (c *Client) InvalidateColumns() {
	c.mu.Lock()
	c.columns = map[int64]map[string]int64{}
	c.mu.Unlock()
}

func (c *Client) toCells(ctx context.Context, sheetId int64, fields map[string]any) ([]apiCell, error) {
	cols, err := c.columnIds(ctx, sheetId)
	if err != nil {
		return nil, err
	}
	cells := make([]apiCell, 0, len(fields))
	for title, v := range fields {
		id, ok := cols[title]
		if !ok {
			return nil, fmt.Errorf("column %q not found on sheet %d", title, sheetId)
		}
		cells = append(cells, apiCell{ColumnId: id, Value: CellValue(v)})
	}
	return cells, nil
}

func (c *Client) fromApiRow(cols map[string]int64, r apiRow) Row {
	byId := make(map[int64]string, len(cols))
	for title, id := range cols {
		byId[id] = title
	}
	row := Row{Id: r.Id, Values: make(map[string]any, len(r.Cells))}
	for _, cell := range r.Cells {
		if title, ok := byId[cell.ColumnId]; ok && cell.Value != nil {
			row.Values[title] = normalizeCell(cell.Value)
		}
	}
	return row
}

func (c *Client) GetAllRows(ctx context.Context, sheet string) ([]Row, error) {
	sheetId, err := c.sheetId(ctx, sheet)
	if err != nil {
		return nil, err
	}
	var out apiSheet
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sheets/%d", sheetId), nil, nil, &out); err != nil {
		return nil, err
	}
	cols := make(map[string]int64, len(out.Columns))
	for _, col := range out.Columns {
		cols[col.Title] = col.Id
	}
	c.mu.Lock()
	c.columns[sheetId] = cols
	c.mu.Unlock()

	rows := make([]Row, 0, len(out.Rows))
	for _, r := range out.Rows {
		rows = append(rows, c.fromApiRow(cols, r))
	}
	return rows, nil
}

// FindRow returns the first row whose column equals value, or ErrNotFound.
func (c *Client) FindRow(ctx context.Context, sheet, column string, value any) (*Row, error) {
	rows, err := c.GetAllRows(ctx, sheet)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if ValuesEqual(rows[i].Values[column], value) {
			return &rows[i], nil
		}
	}
	return nil, ErrNotFound
}

func (c *Client) GetRow(ctx context.Context, sheet string, rowId int64) (*Row, error) {
	sheetId, err := c.sheetId(ctx, sheet)
	if err != nil {
		return nil, err
	}
	cols, err := c.columnIds(ctx, sheetId)
	if err != nil {
		return nil, err
	}
	var out apiRow
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sheets/%d/rows/%d", sheetId, rowId), nil, nil, &out); err != nil {
		return nil, err
	}
	row := c.fromApiRow(cols, out)
	return &row, nil
}

func (c *Client) AddRow(ctx context.Context, sheet string, fields map[string]any) (int64, error) {
	ids, err := c.AddRowsBulk(ctx, sheet, []map[string]any{fields})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, errors.New("row-store returned no row id")
	}
	return ids[0], nil
}

// AddRowsBulk appends all rows in one request; the provider applies it atomically.
func (c *Client) AddRowsBulk(ctx context.Context, sheet string, rows []map[string]any) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	sheetId, err := c.sheetId(ctx, sheet)
	if err != nil {
		return nil, err
	}
	body := make([]apiRow, 0, len(rows))
	for _, fields := range rows {
		cells, err := c.toCells(ctx, sheetId, fields)
		if err != nil {
			return nil, err
		}
		body = append(body, apiRow{ToBottom: true, Cells: cells})
	}

	var out apiResult
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/sheets/%d/rows", sheetId), nil, body, &out); err != nil {
		return nil, err
	}
	created, err := decodeRowResult(out.Result)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(created))
	for _, r := range created {
		ids = append(ids, r.Id)
	}
	return ids, nil
}

func (c *Client) UpdateRow(ctx context.Context, sheet string, rowId int64, fields map[string]any) error {
	sheetId, err := c.sheetId(ctx, sheet)
	if err != nil {
		return err
	}
	cells, err := c.toCells(ctx, sheetId, fields)
	if err != nil {
		return err
	}
	body := []apiRow{{Id: rowId, Cells: cells}}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/sheets/%d/rows", sheetId), nil, body, nil)
}

func (c *Client) GetRowAttachments(ctx context.Context, sheet string, rowId int64) ([]Attachment, error) {
	sheetId, err := c.sheetId(ctx, sheet)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []Attachment `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sheets/%d/rows/%d/attachments", sheetId, rowId), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// DownloadAttachment fetches the attachment metadata for its short-lived URL, then the bytes.
func (c *Client) DownloadAttachment(ctx context.Context, sheet string, attachmentId int64) ([]byte, error) {
	sheetId, err := c.sheetId(ctx, sheet)
	if err != nil {
		return nil, err
	}
	var meta Attachment
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sheets/%d/attachments/%d", sheetId, attachmentId), nil, nil, &meta); err != nil {
		return nil, err
	}
	if meta.Url == "" {
		return nil, fmt.Errorf("attachment %d has no download url", attachmentId)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.Url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return io.ReadAll(resp.Body)
}

// decodeRowResult accepts both a single row and a list, the provider returns either.
func decodeRowResult(raw json.RawMessage) ([]apiRow, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if raw[0] == '[' {
		var rows []apiRow
		if err := dec.Decode(&rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	var row apiRow
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return []apiRow{row}, nil
}
