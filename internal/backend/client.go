package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultRefreshThreshold = 30

// DocumentPayload is the remote representation of a local document sent on
// create and update calls.
type DocumentPayload struct {
	DocHash      string  `json:"doc_hash"`
	Title        string  `json:"title"`
	DocPath      string  `json:"doc_path"`
	OutputDir    string  `json:"output_dir"`
	MarkdownPath *string `json:"markdown_path"`
	ImagesPath   *string `json:"images_path"`
	PageCount    *int    `json:"page_count"`
}

// RemoteDocument is the backend's answer to a create or update.
type RemoteDocument struct {
	ID      int64  `json:"id"`
	DocHash string `json:"doc_hash"`
	Title   string `json:"title"`
}

type Config struct {
	BaseURL          string `json:"base_url"`
	AuthURL          string `json:"auth_url"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	RefreshThreshold int64  `json:"refresh_threshold"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// Client is a stateful HTTP client for the remote system of record. It owns
// one bearer credential: every outbound call first makes sure the token is
// present and not within the refresh threshold of its expiry, and a call
// answered with 401 re-authenticates exactly once before giving up.
type Client struct {
	baseURL          string
	authURL          string
	username         string
	password         string
	refreshThreshold int64
	http             *http.Client

	mu             sync.Mutex
	token          string
	tokenExpiresAt int64

	now func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.AuthURL == "" {
		return nil, fmt.Errorf("backend base_url and auth_url are required")
	}
	threshold := cfg.RefreshThreshold
	if threshold <= 0 {
		threshold = defaultRefreshThreshold
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		authURL:          cfg.AuthURL,
		username:         cfg.Username,
		password:         cfg.Password,
		refreshThreshold: threshold,
		http:             &http.Client{Timeout: timeout},
		now:              time.Now,
	}, nil
}

// authenticate fetches a fresh token from the auth endpoint.
func (c *Client) authenticate(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return &AuthError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &AuthError{Status: resp.StatusCode}
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &AuthError{Err: err}
	}
	if out.AccessToken == "" {
		return &AuthError{Err: fmt.Errorf("auth response has no access_token")}
	}
	c.mu.Lock()
	c.token = out.AccessToken
	c.tokenExpiresAt = c.now().Unix() + out.ExpiresIn
	c.mu.Unlock()
	return nil
}

// ensureValidToken re-authenticates when the token is missing or within the
// refresh threshold of expiry. The lead time keeps a token that is valid at
// send time from expiring in transit.
func (c *Client) ensureValidToken(ctx context.Context) error {
	c.mu.Lock()
	valid := c.token != "" && c.now().Unix() <= c.tokenExpiresAt-c.refreshThreshold
	c.mu.Unlock()
	if valid {
		return nil
	}
	return c.authenticate(ctx)
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// do performs one authenticated request. On a 401 it re-authenticates once
// and retries once; a second 401 is returned to the caller.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	if err := c.ensureValidToken(ctx); err != nil {
		return nil, err
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	resp, err := c.send(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, method, path, payload)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolveURL(path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// CheckDocumentHash asks the backend whether a document with this content
// hash already exists. A 404 means "no", not an error.
func (c *Client) CheckDocumentHash(ctx context.Context, docHash string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/document/hash/"+docHash, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return false, remoteError(resp)
	}
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

func (c *Client) CreateDocument(ctx context.Context, payload DocumentPayload) (*RemoteDocument, error) {
	resp, err := c.do(ctx, http.MethodPost, "/document", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, remoteError(resp)
	}
	var out RemoteDocument
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateDocumentByHash(ctx context.Context, docHash string, payload DocumentPayload) (*RemoteDocument, error) {
	resp, err := c.do(ctx, http.MethodPut, "/document/hash/"+docHash, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, remoteError(resp)
	}
	var out RemoteDocument
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func remoteError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &RemoteError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
