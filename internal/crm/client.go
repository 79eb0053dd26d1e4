package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	headerBrowserID = "X-Browser-ID"
	headerSessionID = "X-Session-ID"
)

// Request describes one logical action dispatch against the CRM backend.
type Request struct {
	Action    string
	Query     url.Values
	Body      []byte
	BrowserID string
	SessionID string
}

// Result is the normalized outcome of a backend call. SessionID is the
// backend-assigned session, empty when the response carried none; it is
// populated even when the call itself failed with a BackendError.
type Result struct {
	Data      json.RawMessage
	SessionID string
}

// Client talks to the CRM backend over HTTP. Payloads pass through opaque in
// both directions; the client only enforces the action table, the identity
// headers, and the call timeout. Calls are never retried.
type Client struct {
	baseURL string
	httpc   *http.Client
	timeout time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{},
		timeout: timeout,
	}
}

// Do dispatches one action. Validation failures return an *InputError before
// any network I/O; backend non-success statuses return a *BackendError with
// the status preserved; everything else wrong returns a *TransportError.
func (c *Client) Do(ctx context.Context, req Request) (Result, error) {
	action, ok := Lookup(req.Action)
	if !ok {
		return Result{}, &InputError{Message: "unknown action: " + req.Action}
	}
	if strings.TrimSpace(req.BrowserID) == "" {
		return Result{}, &InputError{Message: "missing browser identifier"}
	}
	for _, param := range action.Required {
		if strings.TrimSpace(req.Query.Get(param)) == "" {
			return Result{}, &InputError{Message: "missing required parameter: " + param}
		}
	}
	body := req.Body
	if action.Method == http.MethodPost {
		if len(bytes.TrimSpace(body)) == 0 {
			body = []byte("{}")
		}
		if err := checkRequiredBody(action, body); err != nil {
			return Result{}, err
		}
	}

	target := c.baseURL + action.Path
	query := forwardedQuery(action, req.Query)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if action.Method == http.MethodPost {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, action.Method, target, reader)
	if err != nil {
		return Result{}, &TransportError{Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(headerBrowserID, req.BrowserID)
	httpReq.Header.Set(headerSessionID, req.SessionID)
	if action.Method == http.MethodPost {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Log identifier presence only, never the values.
	hasSession := req.SessionID != ""

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		log.Printf("crm: %s transport error after %dms (session=%t): %v", action.Name, time.Since(start).Milliseconds(), hasSession, err)
		return Result{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("crm: %s body read error after %dms (session=%t): %v", action.Name, time.Since(start).Milliseconds(), hasSession, err)
		return Result{}, &TransportError{Err: err}
	}

	result := Result{SessionID: resp.Header.Get(headerSessionID)}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := extractDetail(payload)
		log.Printf("crm: %s backend status %d detail=%q", action.Name, resp.StatusCode, detail)
		return result, &BackendError{Status: resp.StatusCode, Detail: detail}
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return result, nil
	}
	if !json.Valid(payload) {
		log.Printf("crm: %s returned invalid JSON (%d bytes)", action.Name, len(payload))
		return result, &TransportError{Err: errInvalidJSON}
	}
	result.Data = payload
	return result, nil
}

var errInvalidJSON = errors.New("response body is not valid JSON")

func checkRequiredBody(action Action, body []byte) error {
	if len(action.RequiredBody) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return &InputError{Message: "request body must be a JSON object"}
	}
	for _, field := range action.RequiredBody {
		raw, ok := fields[field]
		if !ok {
			return &InputError{Message: "missing required field: " + field}
		}
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil && strings.TrimSpace(asString) == "" {
			return &InputError{Message: "missing required field: " + field}
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return &InputError{Message: "missing required field: " + field}
		}
	}
	return nil
}

func forwardedQuery(action Action, in url.Values) url.Values {
	out := url.Values{}
	for _, param := range action.Query {
		if value := in.Get(param); strings.TrimSpace(value) != "" {
			out.Set(param, value)
		}
	}
	return out
}

// extractDetail pulls a human-readable message out of a backend error body,
// trying the conventional field names in order.
func extractDetail(payload []byte) string {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	for _, field := range []string{"detail", "error", "message"} {
		raw, ok := body[field]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil && text != "" {
			return text
		}
	}
	return ""
}
