package reddit

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"reddit_mod_bot/internal/model"
)

const (
	titleMaxLen   = 250
	snippetMaxLen = 800
	urlMaxLen     = 2048
)

type listing struct {
	Data struct {
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type thingData struct {
	Name              string          `json:"name"`
	ID                string          `json:"id"`
	Subreddit         string          `json:"subreddit"`
	Author            string          `json:"author"`
	Permalink         string          `json:"permalink"`
	URL               string          `json:"url"`
	Title             string          `json:"title"`
	LinkTitle         string          `json:"link_title"`
	Body              string          `json:"body"`
	Selftext          string          `json:"selftext"`
	NumReports        int             `json:"num_reports"`
	NumComments       int             `json:"num_comments"`
	CreatedUTC        float64         `json:"created_utc"`
	Locked            bool            `json:"locked"`
	IgnoreReports     bool            `json:"ignore_reports"`
	RemovedByCategory string          `json:"removed_by_category"`
	BannedBy          json.RawMessage `json:"banned_by"`
	ApprovedBy        string          `json:"approved_by"`
	UserReports       [][]any         `json:"user_reports"`
	ModReports        [][]any         `json:"mod_reports"`
}

func parseReportListing(body []byte, subreddit string) ([]model.ReportedItem, error) {
	var l listing
	if err := json.Unmarshal(body, &l); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	var items []model.ReportedItem
	for _, child := range l.Data.Children {
		if child.Kind != "t1" && child.Kind != "t3" {
			continue
		}
		var d thingData
		if err := json.Unmarshal(child.Data, &d); err != nil {
			return nil, fmt.Errorf("decode %s thing: %w", child.Kind, err)
		}
		items = append(items, normalizeThing(child.Kind, d, subreddit))
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func normalizeThing(kind string, d thingData, subreddit string) model.ReportedItem {
	item := model.ReportedItem{
		Subreddit:   firstNonEmpty(d.Subreddit, subreddit),
		Author:      firstNonEmpty(d.Author, "[deleted]"),
		NumComments: d.NumComments,
		CreatedAt:   time.Unix(int64(d.CreatedUTC), 0).UTC(),
		Locked:      d.Locked,
		// banned_by is a moderator name when removed, otherwise null/false.
		Removed:        d.RemovedByCategory != "" || bannedBySet(d.BannedBy),
		Approved:       d.ApprovedBy != "",
		ReportsIgnored: d.IgnoreReports,
	}

	if kind == "t1" {
		item.Kind = model.KindComment
		item.Title = firstNonEmpty(d.LinkTitle, "Comment")
		item.Snippet = d.Body
	} else {
		item.Kind = model.KindSubmission
		item.Title = firstNonEmpty(d.Title, "Submission")
		item.LinkURL = SanitizeURL(d.URL)
		item.Snippet = firstNonEmpty(d.Selftext, item.LinkURL)
	}
	item.Title = truncate(squashWhitespace(item.Title), titleMaxLen)
	item.Snippet = truncate(squashWhitespace(item.Snippet), snippetMaxLen)

	item.Fullname = d.Name
	if item.Fullname == "" {
		item.Fullname = kind + "_" + d.ID
	}

	if p := SanitizeURL("https://www.reddit.com" + d.Permalink); p != "" {
		item.Permalink = p
	} else {
		item.Permalink = "https://www.reddit.com/r/" + item.Subreddit + "/"
	}

	var userTotal, modTotal int
	item.UserReports, userTotal = parseReports(d.UserReports)
	item.ModReports, modTotal = parseReports(d.ModReports)

	// The listing's num_reports can lag or be absent; trust the per-reason
	// sum when it is larger.
	item.NumReports = d.NumReports
	if computed := userTotal + modTotal; computed > 0 && (item.NumReports <= 0 || item.NumReports < computed) {
		item.NumReports = computed
	}
	return item
}

// parseReports normalizes raw report tuples ([reason, count] for user
// reports, [reason, moderator] for mod reports) into display lines plus a
// total count.
func parseReports(raw [][]any) ([]string, int) {
	var lines []string
	total := 0
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		reason := strings.TrimSpace(fmt.Sprintf("%v", entry[0]))
		if reason == "" || reason == "<nil>" {
			reason = "Unknown reason"
		}
		count := 1
		switch v := entry[1].(type) {
		case float64:
			count = int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				count = n
			}
		}
		if count < 0 {
			count = 0
		}
		lines = append(lines, fmt.Sprintf("%s x%d", reason, count))
		total += count
	}
	return lines, total
}

type modLogListing struct {
	Data struct {
		Children []struct {
			Data struct {
				TargetFullname string  `json:"target_fullname"`
				Action         string  `json:"action"`
				Mod            string  `json:"mod"`
				Details        string  `json:"details"`
				CreatedUTC     float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func parseModLogListing(body []byte) ([]ModLogEntry, error) {
	var l modLogListing
	if err := json.Unmarshal(body, &l); err != nil {
		return nil, fmt.Errorf("decode mod log listing: %w", err)
	}
	var entries []ModLogEntry
	for _, child := range l.Data.Children {
		d := child.Data
		if !strings.HasPrefix(d.TargetFullname, "t1_") && !strings.HasPrefix(d.TargetFullname, "t3_") {
			continue
		}
		entries = append(entries, ModLogEntry{
			TargetFullname: d.TargetFullname,
			Action:         firstNonEmpty(d.Action, "unknown"),
			Moderator:      firstNonEmpty(d.Mod, "unknown"),
			Details:        d.Details,
			CreatedAt:      time.Unix(int64(d.CreatedUTC), 0).UTC(),
		})
	}
	return entries, nil
}

func bannedBySet(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s != ""
}

// SanitizeURL returns the URL when it is a plausible http(s) link and an
// empty string otherwise. Credentials in the authority are rejected.
func SanitizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > urlMaxLen {
		return ""
	}
	for _, r := range raw {
		if r < 32 || unicode.IsSpace(r) {
			return ""
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	if u.Host == "" || u.User != nil {
		return ""
	}
	u.Scheme = scheme
	return u.String()
}

func squashWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate shortens s to at most maxLen bytes, cutting on a rune boundary
// so a multi-byte character is never split.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := max(0, maxLen-3)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
