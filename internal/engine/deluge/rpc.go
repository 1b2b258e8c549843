package deluge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/dlmanager/internal/logctx"
)

// notAuthenticatedCode is the error code Deluge Web returns for calls without a valid session.
const notAuthenticatedCode = 1

// RPCError is an error reported by the Deluge Web JSON-RPC API.
type RPCError struct {
	Method  string
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("deluge %s failed (code %d): %s", e.Method, e.Code, e.Message)
}

// Client talks to the Deluge Web JSON-RPC endpoint.
type Client struct {
	BaseURL  string
	APIPath  string
	Username string
	Password string
	Insecure bool // skip TLS verification if true

	httpClient *http.Client
	nextID     atomic.Int64

	mu     sync.Mutex
	cookie string // session cookie
}

func NewClient(baseURL, apiPath, username, password string, insecure bool) *Client {
	client := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIPath:    apiPath,
		Username:   username,
		Password:   password,
		Insecure:   insecure,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if insecure {
		client.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return client
}

func (c *Client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cookie
}

// Authenticate logs in and keeps the session cookie for later calls.
func (c *Client) Authenticate(ctx context.Context) error {
	var ok bool

	cookies, err := c.do(ctx, "auth.login", []any{c.Password}, &ok)
	if err != nil {
		return fmt.Errorf("auth failed: %w", err)
	}

	if !ok {
		return errors.New("auth failed: deluge rejected the password")
	}

	for _, cookie := range cookies {
		if cookie.Name == "_session_id" {
			c.mu.Lock()
			c.cookie = cookie.Value
			c.mu.Unlock()
		}
	}

	return nil
}

// Call invokes method and decodes its result into result. An expired session
// is renewed once.
func (c *Client) Call(ctx context.Context, method string, params []any, result any) error {
	_, err := c.do(ctx, method, params, result)

	var rpcErr *RPCError
	if err == nil || !errors.As(err, &rpcErr) || rpcErr.Code != notAuthenticatedCode {
		return err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "deluge session expired, logging in again", "method", method)

	if err := c.Authenticate(ctx); err != nil {
		return err
	}

	_, err = c.do(ctx, method, params, result)

	return err
}

func (c *Client) do(ctx context.Context, method string, params []any, result any) ([]*http.Cookie, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", method)

	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(map[string]any{
		"id":     c.nextID.Add(1),
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.APIPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if cookie := c.session(); cookie != "" {
		req.AddCookie(&http.Cookie{Name: "_session_id", Value: cookie})
	}

	logger.DebugContext(ctx, "sending deluge request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, fmt.Errorf("%s request failed with status %d: %s", method, resp.StatusCode, string(b))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	if rpcResp.Error != nil {
		rpcResp.Error.Method = method

		return nil, rpcResp.Error
	}

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}

	return resp.Cookies(), nil
}
