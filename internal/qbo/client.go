// Package qbo is the HTTP client for the QuickBooks Online accounting API.
package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

var _ core.TargetAPI = (*Client)(nil)

// pageSize is the largest MAXRESULTS the query endpoint accepts.
const pageSize = 1000

// maxBody caps how much of one response is read into memory.
const maxBody = 16 << 20

// nameListEntities hide inactive records from queries unless asked for.
var nameListEntities = map[string]bool{
	"Account":       true,
	"Term":          true,
	"PaymentMethod": true,
	"Currency":      true,
	"Department":    true,
	"Class":         true,
	"Customer":      true,
	"CustomerType":  true,
	"Vendor":        true,
	"Employee":      true,
	"Item":          true,
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	MinorVersion int
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client talks to one QBO environment. The realm comes from the credential
// passed on every call.
type Client struct {
	base  string
	minor int
	http  *http.Client
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		minor: cfg.MinorVersion,
		http:  hc,
	}
}

// Send posts payload to the create/update endpoint of entity. Non-2xx
// responses are returned as responses for the caller to classify.
func (c *Client) Send(ctx context.Context, cred core.Credential, entity string, payload []byte) (*core.APIResponse, error) {
	req, err := c.newRequest(ctx, cred, http.MethodPost, strings.ToLower(entity), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// Query runs one query statement and returns the raw response.
func (c *Client) Query(ctx context.Context, cred core.Credential, statement string) (*core.APIResponse, error) {
	req, err := c.newRequest(ctx, cred, http.MethodPost, "query", strings.NewReader(NormalizeQuery(statement)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/text")
	return c.do(req)
}

// FindByName returns the Id of the record whose field equals value, using
// one exact query.
func (c *Client) FindByName(ctx context.Context, cred core.Credential, entity, field, value string) (string, bool, error) {
	if value == "" {
		return "", false, nil
	}
	if !validField.MatchString(field) {
		return "", false, fmt.Errorf("invalid query field %q", field)
	}

	stmt := fmt.Sprintf("SELECT Id, %s FROM %s WHERE %s = '%s'", field, entity, field, escape(value))
	if nameListEntities[entity] {
		stmt += " AND Active IN (true, false)"
	}
	records, err := c.queryRecords(ctx, cred, entity, stmt)
	if err != nil {
		return "", false, err
	}
	if len(records) > 0 {
		return records[0].ID, true, nil
	}
	return "", false, nil
}

// ScanNames reads the page of entity starting at start and compares field
// with value after NormalizeName, so names match the way users see them.
// next is the start of the following page, or 0 after the last one.
// Each call sends exactly one query.
func (c *Client) ScanNames(ctx context.Context, cred core.Credential, entity, field, value string, start int) (string, bool, int, error) {
	if value == "" {
		return "", false, 0, nil
	}
	if !validField.MatchString(field) {
		return "", false, 0, fmt.Errorf("invalid query field %q", field)
	}
	if start < 1 {
		start = 1
	}

	stmt := fmt.Sprintf("SELECT Id, %s FROM %s", field, entity)
	if nameListEntities[entity] {
		stmt += " WHERE Active IN (true, false)"
	}
	stmt += fmt.Sprintf(" STARTPOSITION %d MAXRESULTS %d", start, pageSize)

	page, err := c.queryRecords(ctx, cred, entity, stmt)
	if err != nil {
		return "", false, 0, err
	}
	want := NormalizeName(value)
	for _, r := range page {
		if NormalizeName(r.text(field)) == want {
			return r.ID, true, 0, nil
		}
	}
	if len(page) < pageSize {
		return "", false, 0, nil
	}
	return "", false, start + pageSize, nil
}

// ReadVersion reads entity id and returns its SyncToken.
func (c *Client) ReadVersion(ctx context.Context, cred core.Credential, entity, id string) (string, error) {
	req, err := c.newRequest(ctx, cred, http.MethodGet, strings.ToLower(entity)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", &core.APIError{StatusCode: resp.StatusCode, Body: resp.Body}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return "", fmt.Errorf("decode %s %s: %w", entity, id, err)
	}
	var rec record
	if err := json.Unmarshal(doc[entity], &rec); err != nil || rec.SyncToken == "" {
		return "", fmt.Errorf("%s %s: response has no SyncToken", entity, id)
	}
	return rec.SyncToken, nil
}

func (c *Client) queryRecords(ctx context.Context, cred core.Credential, entity, stmt string) ([]record, error) {
	resp, err := c.Query(ctx, cred, stmt)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &core.APIError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	var qr struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	if err := json.Unmarshal(resp.Body, &qr); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	raw, ok := qr.QueryResponse[entity]
	if !ok {
		return nil, nil
	}
	var records []record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s records: %w", entity, err)
	}
	return records, nil
}

func (c *Client) newRequest(ctx context.Context, cred core.Credential, method, path string, body io.Reader) (*http.Request, error) {
	if cred.RealmID == "" {
		return nil, errors.New("credential has no realm id")
	}
	u := fmt.Sprintf("%s/v3/company/%s/%s?minorversion=%s",
		c.base, url.PathEscape(cred.RealmID), path, strconv.Itoa(c.minor))
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request) (*core.APIResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	return &core.APIResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// record is the subset of a QBO entity the client reads back.
type record struct {
	ID        string
	SyncToken string
	Fields    map[string]any
}

func (r *record) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	r.Fields = m
	r.ID, _ = m["Id"].(string)
	r.SyncToken, _ = m["SyncToken"].(string)
	return nil
}

func (r record) text(field string) string {
	s, _ := r.Fields[field].(string)
	return s
}

var validField = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)

// NormalizeQuery collapses whitespace outside quoted literals and drops a
// trailing semicolon. Literals are sent as written.
func NormalizeQuery(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	inQuote, escaped, pendingSpace := false, false, false
	for _, r := range q {
		if inQuote {
			b.WriteRune(r)
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '\'':
				inQuote = false
			}
			continue
		}
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		if r == '\'' {
			inQuote = true
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(strings.TrimRight(b.String(), "; "))
}

var quoteFolder = strings.NewReplacer("\u2019", "'", "\u2018", "'")

// NormalizeName folds curly quotes, whitespace runs (NBSP included) and
// case so display names compare the way users see them.
func NormalizeName(s string) string {
	s = quoteFolder.Replace(s)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func escape(v string) string {
	return strings.ReplaceAll(v, "'", `\'`)
}
