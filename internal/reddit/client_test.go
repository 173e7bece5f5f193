package reddit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

const tokenResponse = `{"access_token": "tok123", "expires_in": 3600}`

type recordedRequest struct {
	Method string
	URL    string
	Body   string
	Header http.Header
}

// mockHTTPClient answers the token endpoint automatically and everything
// else with the configured status and body.
type mockHTTPClient struct {
	mu     sync.Mutex
	reqs   []recordedRequest
	status int
	body   string
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		body = string(raw)
	}
	m.mu.Lock()
	m.reqs = append(m.reqs, recordedRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Body:   body,
		Header: req.Header.Clone(),
	})
	m.mu.Unlock()

	if req.URL.String() == tokenURL {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(tokenResponse)),
		}, nil
	}

	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(m.body)),
	}, nil
}

func (m *mockHTTPClient) last() recordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[len(m.reqs)-1]
}

func newTestClient(m *mockHTTPClient) *Client {
	return New(m, Credentials{
		ClientID:     "cid",
		ClientSecret: "secret",
		RefreshToken: "refresh",
		UserAgent:    "test-agent/1.0",
	})
}

func TestFetchReportsAuthenticates(t *testing.T) {
	m := &mockHTTPClient{body: sampleReportListing}
	c := newTestClient(m)

	items, err := c.FetchReports(context.Background(), "golang", 100)
	if err != nil {
		t.Fatalf("FetchReports() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}

	// First request exchanges the refresh token.
	m.mu.Lock()
	tokenReq := m.reqs[0]
	m.mu.Unlock()
	if tokenReq.URL != tokenURL {
		t.Fatalf("first request went to %s, want the token endpoint", tokenReq.URL)
	}
	if !strings.Contains(tokenReq.Body, "grant_type=refresh_token") {
		t.Errorf("token request body = %q, want a refresh_token grant", tokenReq.Body)
	}

	listReq := m.last()
	if !strings.Contains(listReq.URL, "/r/golang/about/reports") {
		t.Errorf("listing URL = %s", listReq.URL)
	}
	if !strings.Contains(listReq.URL, "limit=100") {
		t.Errorf("listing URL = %s, want the limit passed through", listReq.URL)
	}
	if got := listReq.Header.Get("Authorization"); got != "Bearer tok123" {
		t.Errorf("Authorization = %q, want Bearer tok123", got)
	}
	if got := listReq.Header.Get("User-Agent"); got != "test-agent/1.0" {
		t.Errorf("User-Agent = %q, want test-agent/1.0", got)
	}
}

func TestTokenIsCached(t *testing.T) {
	m := &mockHTTPClient{body: sampleReportListing}
	c := newTestClient(m)
	ctx := context.Background()

	if _, err := c.FetchReports(ctx, "golang", 10); err != nil {
		t.Fatalf("first FetchReports() error = %v", err)
	}
	if _, err := c.FetchReports(ctx, "golang", 10); err != nil {
		t.Fatalf("second FetchReports() error = %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tokenCalls := 0
	for _, r := range m.reqs {
		if r.URL == tokenURL {
			tokenCalls++
		}
	}
	if tokenCalls != 1 {
		t.Errorf("token endpoint called %d times, want 1", tokenCalls)
	}
}

func TestApproveSendsForm(t *testing.T) {
	m := &mockHTTPClient{body: "{}"}
	c := newTestClient(m)

	if err := c.Approve(context.Background(), "t3_abc"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	req := m.last()
	if !strings.HasSuffix(req.URL, "/api/approve") {
		t.Errorf("URL = %s, want /api/approve", req.URL)
	}
	if req.Body != "id=t3_abc" {
		t.Errorf("body = %q, want id=t3_abc", req.Body)
	}
}

func TestRemoveSpamFlag(t *testing.T) {
	m := &mockHTTPClient{body: "{}"}
	c := newTestClient(m)

	if err := c.Remove(context.Background(), "t3_abc", true); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	req := m.last()
	if !strings.Contains(req.Body, "spam=true") {
		t.Errorf("body = %q, want spam=true", req.Body)
	}
}

func TestConflictStatus(t *testing.T) {
	m := &mockHTTPClient{status: http.StatusConflict}
	c := newTestClient(m)

	err := c.Approve(context.Background(), "t3_abc")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Approve() error = %v, want ErrConflict", err)
	}
}

func TestConflictAPICode(t *testing.T) {
	m := &mockHTTPClient{body: `{"json": {"errors": [["ALREADY_REMOVED", "that comment has already been removed", "id"]]}}`}
	c := newTestClient(m)

	err := c.Remove(context.Background(), "t1_abc", false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Remove() error = %v, want ErrConflict", err)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	m := &mockHTTPClient{body: `{"json": {"errors": [["USER_DOESNT_EXIST", "no such user", "name"]]}}`}
	c := newTestClient(m)

	err := c.BanUser(context.Background(), "golang", BanParams{Username: "ghost"})
	if err == nil || errors.Is(err, ErrConflict) {
		t.Fatalf("BanUser() error = %v, want a non-conflict api error", err)
	}
}

func TestBanUserForm(t *testing.T) {
	m := &mockHTTPClient{body: "{}"}
	c := newTestClient(m)

	err := c.BanUser(context.Background(), "golang", BanParams{
		Username:     "spammer",
		DurationDays: 7,
		Reason:       "spam",
		Message:      "bye",
	})
	if err != nil {
		t.Fatalf("BanUser() error = %v", err)
	}
	req := m.last()
	if !strings.HasSuffix(req.URL, "/r/golang/api/friend") {
		t.Errorf("URL = %s, want /r/golang/api/friend", req.URL)
	}
	for _, want := range []string{"name=spammer", "type=banned", "duration=7", "ban_reason=spam", "ban_message=bye"} {
		if !strings.Contains(req.Body, want) {
			t.Errorf("body = %q, missing %s", req.Body, want)
		}
	}
}

func TestPostReplyDistinguishes(t *testing.T) {
	m := &mockHTTPClient{body: `{"json": {"errors": [], "data": {"things": [{"data": {"name": "t1_reply1"}}]}}}`}
	c := newTestClient(m)

	if err := c.PostReply(context.Background(), "t3_abc", "see rule 3", true); err != nil {
		t.Fatalf("PostReply() error = %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var apiReqs []recordedRequest
	for _, r := range m.reqs {
		if r.URL != tokenURL {
			apiReqs = append(apiReqs, r)
		}
	}
	if len(apiReqs) != 2 {
		t.Fatalf("got %d api calls, want comment then distinguish", len(apiReqs))
	}
	if !strings.HasSuffix(apiReqs[0].URL, "/api/comment") {
		t.Errorf("first call = %s, want /api/comment", apiReqs[0].URL)
	}
	for _, want := range []string{"thing_id=t3_abc", "text=see+rule+3"} {
		if !strings.Contains(apiReqs[0].Body, want) {
			t.Errorf("comment body = %q, missing %s", apiReqs[0].Body, want)
		}
	}
	if !strings.HasSuffix(apiReqs[1].URL, "/api/distinguish") {
		t.Errorf("second call = %s, want /api/distinguish", apiReqs[1].URL)
	}
	for _, want := range []string{"id=t1_reply1", "how=yes", "sticky=true"} {
		if !strings.Contains(apiReqs[1].Body, want) {
			t.Errorf("distinguish body = %q, missing %s", apiReqs[1].Body, want)
		}
	}
}

func TestFetchItem(t *testing.T) {
	m := &mockHTTPClient{body: `{"data": {"children": [{"kind": "t3", "data": {
		"name": "t3_abc", "subreddit": "golang", "title": "Spam post",
		"num_reports": 3, "locked": true, "created_utc": 1748700000
	}}]}}`}
	c := newTestClient(m)

	item, err := c.FetchItem(context.Background(), "t3_abc")
	if err != nil {
		t.Fatalf("FetchItem() error = %v", err)
	}
	if item.Fullname != "t3_abc" || item.NumReports != 3 || !item.Locked {
		t.Errorf("item = %+v, want the normalized live state", item)
	}

	req := m.last()
	if !strings.Contains(req.URL, "/api/info") || !strings.Contains(req.URL, "id=t3_abc") {
		t.Errorf("URL = %s, want /api/info with the fullname", req.URL)
	}
}

func TestSendRemovalMessageRemovesFirst(t *testing.T) {
	m := &mockHTTPClient{body: "{}"}
	c := newTestClient(m)

	err := c.SendRemovalMessage(context.Background(), "t3_abc", "", "breaks rule 2", true)
	if err != nil {
		t.Fatalf("SendRemovalMessage() error = %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for _, r := range m.reqs {
		if r.URL != tokenURL {
			paths = append(paths, r.URL)
		}
	}
	if len(paths) != 2 {
		t.Fatalf("got %d api calls, want remove then message", len(paths))
	}
	if !strings.HasSuffix(paths[0], "/api/remove") {
		t.Errorf("first call = %s, want /api/remove", paths[0])
	}
	if !strings.HasSuffix(paths[1], "/api/v1/modactions/removal_link_message") {
		t.Errorf("second call = %s, want the link removal message endpoint", paths[1])
	}

	last := m.reqs[len(m.reqs)-1]
	for _, want := range []string{`"title":"Removed"`, `"type":"public_as_subreddit"`, `"message":"breaks rule 2"`} {
		if !strings.Contains(last.Body, want) {
			t.Errorf("payload = %q, missing %s", last.Body, want)
		}
	}
}
