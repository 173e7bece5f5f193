// Package reddit implements the content-platform collaborator: report queue
// fetching and moderation actions against the Reddit API.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reddit_mod_bot/internal/model"
)

const (
	tokenURL = "https://www.reddit.com/api/v1/access_token"
	apiBase  = "https://oauth.reddit.com"

	maxBodyBytes = 5 * 1024 * 1024
)

// ErrConflict signals that the item was already moderated out-of-band; the
// caller reconciles via the mod log instead of re-issuing the action.
var ErrConflict = errors.New("item already moderated")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credentials holds the OAuth application and account credentials for one
// setup. RefreshToken takes precedence over Username/Password.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Username     string
	Password     string
	UserAgent    string
}

// ModLogEntry is one moderation-log row, used for conflict reconciliation.
type ModLogEntry struct {
	TargetFullname string
	Action         string
	Moderator      string
	Details        string
	CreatedAt      time.Time
}

// BanParams carries the long-form parameters of a ban action.
type BanParams struct {
	Username     string
	DurationDays int // 0 = permanent
	Reason       string
	Note         string
	Message      string
}

// Client talks to the Reddit API for a single setup's credentials.
type Client struct {
	client  HTTPClient
	creds   Credentials
	limiter *rate.Limiter

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates a Client with the given HTTP client and credentials.
// Reddit allows roughly 100 requests per minute per OAuth client; the
// limiter keeps the bot under that regardless of poll pressure.
func New(client HTTPClient, creds Credentials) *Client {
	return &Client{
		client:  client,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(100.0/60.0), 5),
	}
}

// FetchReports returns up to limit entries of the subreddit's report queue,
// normalized and sorted oldest-reported first.
func (c *Client) FetchReports(ctx context.Context, subreddit string, limit int) ([]model.ReportedItem, error) {
	q := url.Values{
		"limit":    {strconv.Itoa(limit)},
		"raw_json": {"1"},
	}
	body, err := c.get(ctx, fmt.Sprintf("/r/%s/about/reports", url.PathEscape(subreddit)), q)
	if err != nil {
		return nil, fmt.Errorf("fetch report queue: %w", err)
	}
	items, err := parseReportListing(body, subreddit)
	if err != nil {
		return nil, fmt.Errorf("parse report queue: %w", err)
	}
	return items, nil
}

// Approve approves an item.
func (c *Client) Approve(ctx context.Context, fullname string) error {
	return c.post(ctx, "/api/approve", url.Values{"id": {fullname}})
}

// Remove removes an item; spam additionally marks it as spam.
func (c *Client) Remove(ctx context.Context, fullname string, spam bool) error {
	return c.post(ctx, "/api/remove", url.Values{
		"id":   {fullname},
		"spam": {strconv.FormatBool(spam)},
	})
}

// SetLock locks or unlocks an item.
func (c *Client) SetLock(ctx context.Context, fullname string, locked bool) error {
	endpoint := "/api/unlock"
	if locked {
		endpoint = "/api/lock"
	}
	return c.post(ctx, endpoint, url.Values{"id": {fullname}})
}

// SetIgnoreReports ignores or unignores future reports on an item.
func (c *Client) SetIgnoreReports(ctx context.Context, fullname string, ignored bool) error {
	endpoint := "/api/unignore_reports"
	if ignored {
		endpoint = "/api/ignore_reports"
	}
	return c.post(ctx, endpoint, url.Values{"id": {fullname}})
}

// BanUser bans a user from the subreddit.
func (c *Client) BanUser(ctx context.Context, subreddit string, p BanParams) error {
	form := url.Values{
		"name":     {p.Username},
		"type":     {"banned"},
		"api_type": {"json"},
	}
	if p.DurationDays > 0 {
		form.Set("duration", strconv.Itoa(p.DurationDays))
	}
	if r := strings.TrimSpace(p.Reason); r != "" {
		form.Set("ban_reason", r)
	}
	if n := strings.TrimSpace(p.Note); n != "" {
		form.Set("note", n)
	}
	if m := strings.TrimSpace(p.Message); m != "" {
		form.Set("ban_message", m)
	}
	return c.post(ctx, fmt.Sprintf("/r/%s/api/friend", url.PathEscape(subreddit)), form)
}

// SendRemovalMessage removes an item and posts a removal explanation. When
// publicAsSubreddit is set the reply is attributed to the subreddit.
func (c *Client) SendRemovalMessage(ctx context.Context, fullname string, title, body string, publicAsSubreddit bool) error {
	if err := c.Remove(ctx, fullname, false); err != nil {
		return err
	}
	endpoint := "/api/v1/modactions/removal_comment_message"
	if strings.HasPrefix(fullname, "t3_") {
		endpoint = "/api/v1/modactions/removal_link_message"
	}
	msgType := "public"
	if publicAsSubreddit {
		msgType = "public_as_subreddit"
	}
	if strings.TrimSpace(title) == "" {
		title = "Removed"
	}
	payload, err := json.Marshal(map[string]any{
		"item_id": []string{fullname},
		"message": strings.TrimSpace(body),
		"title":   strings.TrimSpace(title),
		"type":    msgType,
	})
	if err != nil {
		return fmt.Errorf("marshal removal message: %w", err)
	}
	return c.postJSON(ctx, endpoint, payload)
}

// PostReply posts a comment reply to an item and distinguishes it as a
// moderator reply. When sticky is set the reply is also stickied, which
// Reddit honors for top-level replies to submissions.
func (c *Client) PostReply(ctx context.Context, fullname, body string, sticky bool) error {
	resp, err := c.postForm(ctx, "/api/comment", url.Values{
		"thing_id": {fullname},
		"text":     {strings.TrimSpace(body)},
		"api_type": {"json"},
	})
	if err != nil {
		return err
	}
	name := parseCommentName(resp)
	if name == "" {
		// The reply went through; without its fullname it cannot be
		// distinguished.
		return nil
	}
	form := url.Values{
		"id":       {name},
		"how":      {"yes"},
		"api_type": {"json"},
	}
	if sticky {
		form.Set("sticky", "true")
	}
	return c.post(ctx, "/api/distinguish", form)
}

// parseCommentName extracts the fullname of the comment created by an
// api_type=json comment response.
func parseCommentName(body []byte) string {
	var envelope struct {
		JSON struct {
			Data struct {
				Things []struct {
					Data struct {
						Name string `json:"name"`
					} `json:"data"`
				} `json:"things"`
			} `json:"data"`
		} `json:"json"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.JSON.Data.Things) == 0 {
		return ""
	}
	return envelope.JSON.Data.Things[0].Data.Name
}

// FetchItem returns the current state of a single item, normalized the same
// way as report-queue entries.
func (c *Client) FetchItem(ctx context.Context, fullname string) (*model.ReportedItem, error) {
	q := url.Values{
		"id":       {fullname},
		"raw_json": {"1"},
	}
	body, err := c.get(ctx, "/api/info", q)
	if err != nil {
		return nil, fmt.Errorf("fetch item: %w", err)
	}
	items, err := parseReportListing(body, "")
	if err != nil {
		return nil, fmt.Errorf("parse item: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("item %s not found", fullname)
	}
	return &items[0], nil
}

// SendModmail opens a modmail conversation with a user.
func (c *Client) SendModmail(ctx context.Context, subreddit, recipient, subject, body string) error {
	return c.post(ctx, "/api/mod/conversations", url.Values{
		"srName":         {subreddit},
		"to":             {strings.TrimSpace(recipient)},
		"subject":        {strings.TrimSpace(subject)},
		"body":           {strings.TrimSpace(body)},
		"isAuthorHidden": {"true"},
	})
}

// FetchModLog returns up to limit recent moderation-log entries for the
// subreddit, newest first.
func (c *Client) FetchModLog(ctx context.Context, subreddit string, limit int) ([]ModLogEntry, error) {
	q := url.Values{
		"limit":    {strconv.Itoa(limit)},
		"raw_json": {"1"},
	}
	body, err := c.get(ctx, fmt.Sprintf("/r/%s/about/log", url.PathEscape(subreddit)), q)
	if err != nil {
		return nil, fmt.Errorf("fetch mod log: %w", err)
	}
	entries, err := parseModLogListing(body)
	if err != nil {
		return nil, fmt.Errorf("parse mod log: %w", err)
	}
	return entries, nil
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	u := apiBase + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) error {
	_, err := c.postForm(ctx, endpoint, form)
	return err
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+endpoint,
		strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	token, err := c.token(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.creds.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrConflict
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, req.URL.Path)
	}

	if err := apiError(body); err != nil {
		return nil, err
	}
	return body, nil
}

// apiError surfaces errors Reddit reports inside a 200 response. Codes that
// indicate the action was already taken map to ErrConflict.
func apiError(body []byte) error {
	var envelope struct {
		JSON struct {
			Errors [][]any `json:"errors"`
		} `json:"json"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil // not an api_type=json envelope
	}
	if len(envelope.JSON.Errors) == 0 {
		return nil
	}
	code := ""
	if len(envelope.JSON.Errors[0]) > 0 {
		code, _ = envelope.JSON.Errors[0][0].(string)
	}
	if strings.HasPrefix(code, "ALREADY_") || code == "DELETED_COMMENT" || code == "DELETED_LINK" {
		return ErrConflict
	}
	return fmt.Errorf("reddit api error: %v", envelope.JSON.Errors[0])
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{}
	if c.creds.RefreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", c.creds.RefreshToken)
	} else {
		form.Set("grant_type", "password")
		form.Set("username", c.creds.Username)
		form.Set("password", c.creds.Password)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.creds.ClientID, c.creds.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.creds.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: unexpected status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	c.accessToken = tok.AccessToken
	// Refresh a minute early so in-flight requests never race expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}
