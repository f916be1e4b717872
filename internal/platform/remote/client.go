// Package remote is the client for the cloud EHR API: patient create,
// update and search plus prescription uploads, with a typed failure
// surface the reconciliation engine can account against.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const userAgent = "fmsync/0.1.0"

// tokenSkew is subtracted from the token expiry so a request never departs
// with a token about to lapse in flight.
const tokenSkew = 60 * time.Second

// Options configures the Client. Either APIKey or the OAuth client
// credential pair must be set.
type Options struct {
	BaseURL      string
	APIKey       string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client talks to the remote EHR API.
type Client struct {
	baseURL      string
	apiKey       string
	clientID     string
	clientSecret string
	http         *http.Client
	log          zerolog.Logger

	token       string
	tokenExpiry time.Time
}

// NewClient creates a gateway client with a fixed per-request timeout.
func NewClient(opts Options, log zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		http:         &http.Client{Timeout: timeout},
		log:          log,
	}
}

// PatientMatch is one search result. Order is the remote system's own.
type PatientMatch struct {
	ID          string `json:"id"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"`
}

// SearchCriteria are the natural-identity attributes used to discover an
// existing remote patient. Exact-match semantics are the remote system's.
type SearchCriteria struct {
	FirstName   string
	LastName    string
	DateOfBirth string // YYYY-MM-DD
}

// CreatePatient creates a patient and returns the remote identifier.
func (c *Client) CreatePatient(ctx context.Context, payload map[string]any) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/patients", nil, payload, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &APIError{Operation: "create patient", Message: "response carried no id"}
	}
	return resp.ID, nil
}

// UpdatePatient replaces the remote patient's demographic payload.
func (c *Client) UpdatePatient(ctx context.Context, remoteID string, payload map[string]any) error {
	path := "/api/v1/patients/" + url.PathEscape(remoteID)
	return c.request(ctx, http.MethodPut, path, nil, payload, nil)
}

// SearchPatients searches by name and date of birth, preserving the remote
// system's result ordering.
func (c *Client) SearchPatients(ctx context.Context, criteria SearchCriteria) ([]PatientMatch, error) {
	params := url.Values{}
	if criteria.FirstName != "" {
		params.Set("first_name", criteria.FirstName)
	}
	if criteria.LastName != "" {
		params.Set("last_name", criteria.LastName)
	}
	if criteria.DateOfBirth != "" {
		params.Set("dob", criteria.DateOfBirth)
	}

	var resp struct {
		Patients []PatientMatch `json:"patients"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/patients/search", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Patients, nil
}

// CreateContactLensRx uploads a contact lens prescription for a patient.
func (c *Client) CreateContactLensRx(ctx context.Context, patientID string, payload map[string]any) error {
	path := "/api/v1/patients/" + url.PathEscape(patientID) + "/contact-lens-rx"
	return c.request(ctx, http.MethodPost, path, nil, payload, nil)
}

// CreateGlassesRx uploads a glasses prescription for a patient.
func (c *Client) CreateGlassesRx(ctx context.Context, patientID string, payload map[string]any) error {
	path := "/api/v1/patients/" + url.PathEscape(patientID) + "/glasses-rx"
	return c.request(ctx, http.MethodPost, path, nil, payload, nil)
}

// Health reports whether the API answers its health endpoint.
func (c *Client) Health(ctx context.Context) bool {
	err := c.request(ctx, http.MethodGet, "/api/v1/health", nil, nil, nil)
	return err == nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) request(ctx context.Context, method, path string, params url.Values, body, out any) error {
	op := fmt.Sprintf("%s %s", method, path)

	if err := c.ensureAuthenticated(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &APIError{Operation: op, Message: fmt.Sprintf("encode payload: %v", err)}
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &APIError{Operation: op, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Operation: op, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusMessage(resp.StatusCode),
			Body:       strings.TrimSpace(string(respBody)),
		}
		c.log.Debug().Int("status", resp.StatusCode).Str("op", op).Msg("gateway error")
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &APIError{Operation: op, Message: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

func statusMessage(code int) string {
	switch code {
	case 401, 403:
		return "authentication failed"
	case 404:
		return "resource not found"
	case 400, 422:
		return "validation error"
	case 429:
		return "rate limit exceeded"
	default:
		return http.StatusText(code)
	}
}

func (c *Client) bearer() string {
	if c.apiKey != "" {
		return c.apiKey
	}
	return c.token
}

// ensureAuthenticated refreshes the OAuth token when the client is
// configured for client-credentials auth and the current token is absent
// or near expiry. API-key auth needs nothing.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.apiKey != "" || c.clientID == "" {
		return nil
	}
	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSkew)) {
		return nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return &APIError{Operation: "oauth token", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Operation: "oauth token", Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return &APIError{
			Operation:  "oauth token",
			StatusCode: resp.StatusCode,
			Message:    "authentication failed",
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return &APIError{Operation: "oauth token", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if tok.AccessToken == "" {
		return &APIError{Operation: "oauth token", Message: "response carried no access_token"}
	}

	c.token = tok.AccessToken
	c.tokenExpiry = tokenExpiry(tok.AccessToken, tok.ExpiresIn)
	c.log.Debug().Time("expires", c.tokenExpiry).Msg("gateway token refreshed")
	return nil
}

// tokenExpiry resolves when the access token lapses. expires_in wins when
// present; otherwise the token's own exp claim is read (unverified — the
// claim is only a refresh hint, the server still validates the token).
func tokenExpiry(accessToken string, expiresIn int64) time.Time {
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(time.Hour)
}
