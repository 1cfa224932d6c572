package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/session"
)

var errNoSession = errors.New("not signed in")

// APIError is a non-2xx response of the API.
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string]string // per-field validation messages
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%d %s", e.StatusCode, e.Message)
	}
	fields := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		fields = append(fields, k+": "+v)
	}
	return fmt.Sprintf("%d %s (%s)", e.StatusCode, e.Message, strings.Join(fields, "; "))
}

// newAPIError decodes the error bodies sent by the API: {"error": "msg"} or {"field": "msg", ...}.
func newAPIError(res *rest.Response) *APIError {
	apiErr := &APIError{StatusCode: res.StatusCode, Message: http.StatusText(res.StatusCode)}

	var body map[string]interface{}
	if err := json.Unmarshal([]byte(res.Body), &body); err != nil {
		return apiErr
	}
	for k, v := range body {
		msg, ok := v.(string)
		if !ok {
			continue
		}
		if k == "error" {
			apiErr.Message = msg
			continue
		}
		if apiErr.Fields == nil {
			apiErr.Fields = make(map[string]string)
		}
		apiErr.Fields[k] = msg
	}
	if len(apiErr.Fields) > 0 {
		apiErr.Message = "invalid data"
	}
	return apiErr
}

// sessionError classifies err for the resolver: rejected requests are credential errors,
// everything else (rate limiting, server and transport failures) is a provider error.
func sessionError(op string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return &session.Error{Kind: session.KindProvider, Op: op, Err: err}
	}
	switch apiErr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict,
		http.StatusUnprocessableEntity:
		return &session.Error{Kind: session.KindCredential, Op: op, Err: apiErr, Fields: apiErr.Fields}
	default:
		return &session.Error{Kind: session.KindProvider, Op: op, Err: apiErr}
	}
}

func isStatus(err error, codes ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.StatusCode == code {
			return true
		}
	}
	return false
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.rest = &rest.Client{HTTPClient: hc} }
}

// Client talks to the Academia API on behalf of a single signed in user.
// It implements session.IdentityProvider and session.RoleStore.
type Client struct {
	baseURL string
	rest    *rest.Client
	tokens  *TokenFile
	logger  core.Logger

	// swapMu orders session swaps with the notifications they trigger.
	swapMu    sync.Mutex
	mu        sync.Mutex
	sess      *session.Session
	listeners map[int]func(*session.Session)
	nextID    int
}

var (
	_ session.IdentityProvider = (*Client)(nil)
	_ session.RoleStore        = (*Client)(nil)
)

func New(baseURL string, tokens *TokenFile, logger core.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/") + "/v1",
		rest:      &rest.Client{HTTPClient: &http.Client{Timeout: 10 * time.Second}},
		tokens:    tokens,
		logger:    logger,
		listeners: make(map[int]func(*session.Session)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// send calls the API and decodes the response body into `out`, if not nil.
// Non-2xx responses are returned as *APIError.
func (c *Client) send(ctx context.Context, method rest.Method, path, token string, in, out interface{}) error {
	req := rest.Request{
		Method:  method,
		BaseURL: c.baseURL + path,
		Headers: map[string]string{"Accept": "application/json"},
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		req.Body = body
		req.Headers["Content-Type"] = "application/json"
	}
	if token != "" {
		req.Headers["Authorization"] = "Bearer " + token
	}

	httpReq, err := rest.BuildRequestObject(req)
	if err != nil {
		return errors.Wrapf(err, "building %s %s request", method, path)
	}
	httpRes, err := c.rest.MakeRequest(httpReq.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	res, err := rest.BuildResponse(httpRes)
	if err != nil {
		return errors.Wrapf(err, "reading %s %s response", method, path)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return newAPIError(res)
	}
	if out != nil && res.Body != "" {
		if err = json.Unmarshal([]byte(res.Body), out); err != nil {
			return errors.Wrapf(err, "decoding %s %s response", method, path)
		}
	}
	return nil
}

// token returns the current session token, loading the token file on first use.
func (c *Client) token() (string, error) {
	sess, err := c.current()
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", errNoSession
	}
	return sess.Token, nil
}

func (c *Client) current() (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		sess, err := c.tokens.Load()
		if err != nil {
			return nil, err
		}
		c.sess = sess
	}
	if c.sess == nil {
		return nil, nil
	}
	s := *c.sess
	return &s, nil
}

// setSession keeps `sess` in memory and persists it; nil forgets the current session.
func (c *Client) setSession(sess *session.Session) {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(sess)
}

// replaceSession swaps the session holding `token` for `sess` and notifies the subscribers.
// It does nothing, and returns false, once that session was dropped or replaced.
func (c *Client) replaceSession(token string, sess *session.Session) bool {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	c.mu.Lock()
	ok := c.sess != nil && c.sess.Token == token
	if ok {
		c.storeLocked(sess)
	}
	c.mu.Unlock()

	if ok {
		c.notify(sess)
	}
	return ok
}

func (c *Client) storeLocked(sess *session.Session) {
	var err error
	if sess == nil {
		c.sess = nil
		err = c.tokens.Clear()
	} else {
		s := *sess
		c.sess = &s
		err = c.tokens.Save(s)
	}
	if err != nil {
		c.logger.Warn("persisting session", err)
	}
}

func (c *Client) notify(sess *session.Session) {
	c.mu.Lock()
	listeners := make([]func(*session.Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		if sess == nil {
			fn(nil)
			continue
		}
		s := *sess
		fn(&s)
	}
}
