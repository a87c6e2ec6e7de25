// Package remote implements the upstream session and listing protocol over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/clock/system"
	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
	"github.com/JakeFAU/sendrecord-crawler/internal/policy/ratelimit"
)

// Upstream endpoint paths relative to the base URL.
const (
	ChallengePath     = "/sys/getCheckCode"
	LoginPath         = "/sys/login"
	LogoutPath        = "/sys/logout"
	DefaultProbePath  = "/sys/user/getUserInfo"
	ListRecordsPath   = "/sms/otpPremium/channel/sendRecordList"
	TokenHeader       = "X-Access-Token"
	maxResponseBytes  = 64 << 20
	defaultTimeout    = 30 * time.Second
	defaultPageSize   = 3000
	defaultCountry    = "0055"
	listingSortColumn = "createTime"
	listingSortOrder  = "desc"
)

// ListingFields is the projection requested from the listing endpoint.
const ListingFields = "id,,userName,countryName,operator,smsFrom,smsTo,message,sendResult," +
	"gatewayDr,gatewayRealDr,intervalTime,smsCount,smsFee,currency,sendDrStatus,resendDrTimes," +
	"sendTime,updateTime,gatewayName,gatewayResult,validateResult,action"

// StatusError reports an upstream response that arrived but was not successful.
// It matches crawler.ErrRejected with errors.Is.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is implements errors.Is.
func (e *StatusError) Is(target error) bool {
	return target == crawler.ErrRejected
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	CountryCode       string
	PageSize          int
	ProbePath         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Clock             crawler.Clock
}

// Client talks to the upstream service. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

var (
	_ crawler.Authenticator = (*Client)(nil)
	_ crawler.RecordLister  = (*Client)(nil)
)

// New validates cfg and builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = defaultCountry
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = DefaultProbePath
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		cfg:     cfg,
		http:    httpClient,
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.RequestsPerSecond, Burst: cfg.Burst}),
		logger:  logger.Named("remote"),
	}, nil
}

// envelope is the response wrapper used by every upstream endpoint.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Result  json.RawMessage `json:"result"`
}

// Challenge requests a check-code pair.
func (c *Client) Challenge(ctx context.Context) (crawler.Challenge, error) {
	var out struct {
		Code string `json:"code"`
		Key  string `json:"key"`
	}
	q := url.Values{"_t": {c.stamp()}}
	if err := c.do(ctx, "challenge", http.MethodGet, ChallengePath, q, "", nil, &out); err != nil {
		return crawler.Challenge{}, err
	}
	if out.Key == "" {
		return crawler.Challenge{}, &StatusError{Op: "challenge", StatusCode: http.StatusOK, Message: "empty check key"}
	}
	return crawler.Challenge{Code: out.Code, Key: out.Key}, nil
}

// Login submits credentials with a challenge response and returns the session token.
func (c *Client) Login(ctx context.Context, creds crawler.Credentials) (string, error) {
	body := map[string]any{
		"username":    creds.Username,
		"password":    creds.Password,
		"captcha":     creds.Challenge.Code,
		"checkKey":    creds.Challenge.Key,
		"remember_me": true,
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "login", http.MethodPost, LoginPath, nil, "", body, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &StatusError{Op: "login", StatusCode: http.StatusOK, Message: "empty token"}
	}
	return out.Token, nil
}

// Logout ends the session identified by token.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, "logout", http.MethodGet, LogoutPath, nil, token, nil, nil)
}

// Probe checks whether token still identifies a live session.
func (c *Client) Probe(ctx context.Context, token string) error {
	return c.do(ctx, "probe", http.MethodGet, c.cfg.ProbePath, nil, token, nil, nil)
}

// ListRecords fetches one page of send records for query.Day.
func (c *Client) ListRecords(ctx context.Context, token string, query crawler.PageQuery) (crawler.Page, error) {
	q := url.Values{
		"_t":          {c.stamp()},
		"day":         {query.Day},
		"countryCode": {c.cfg.CountryCode},
		"column":      {listingSortColumn},
		"order":       {listingSortOrder},
		"field":       {ListingFields},
		"pageNo":      {strconv.Itoa(query.PageNo)},
		"pageSize":    {strconv.Itoa(c.cfg.PageSize)},
	}
	var out struct {
		Records []crawler.Record `json:"records"`
		Pages   int              `json:"pages"`
	}
	if err := c.do(ctx, "list records", http.MethodGet, ListRecordsPath, q, token, nil, &out); err != nil {
		return crawler.Page{}, err
	}
	return crawler.Page{Records: out.Records, Pages: out.Pages}, nil
}

func (c *Client) stamp() string {
	return strconv.FormatInt(c.cfg.Clock.Now().UnixMilli(), 10)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(
	ctx context.Context,
	op, method, path string,
	query url.Values,
	token string,
	body any,
	result any,
) error {
	target := c.endpoint(path, query)
	if err := c.limiter.Wait(ctx, target); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: new request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close response body", zap.String("op", op), zap.Error(cerr))
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: messageOf(raw)}
	}
	if result == nil && len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if result == nil {
			// Logout and probe only need a 2xx.
			return nil
		}
		return fmt.Errorf("%s: decode envelope: %w", op, err)
	}
	if env.Success != nil && !*env.Success {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	}
	if result == nil {
		return nil
	}
	if len(env.Result) == 0 || bytes.Equal(env.Result, []byte("null")) {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: "missing result"}
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", op, err)
	}
	return nil
}

func messageOf(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Message != "" {
		return env.Message
	}
	const limit = 200
	msg := strings.TrimSpace(string(raw))
	if len(msg) > limit {
		msg = msg[:limit]
	}
	return msg
}

// IsRejected reports whether err is an upstream rejection rather than a transient failure.
func IsRejected(err error) bool {
	return errors.Is(err, crawler.ErrRejected)
}
