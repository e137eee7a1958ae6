package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgegate/edgegate/internal/config"
)

// AbuseIPDB queries the AbuseIPDB v2 check endpoint.
type AbuseIPDB struct {
	apiKey     string
	baseURL    string
	maxAgeDays int
	client     *http.Client
}

// NewAbuseIPDB builds the adapter. A nil client falls back to a plain
// http.Client; deadlines come from the caller's context either way.
func NewAbuseIPDB(cfg config.AbuseIPDBConfig, client *http.Client) *AbuseIPDB {
	if client == nil {
		client = &http.Client{}
	}
	return &AbuseIPDB{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		maxAgeDays: cfg.MaxAgeDays,
		client:     client,
	}
}

func (a *AbuseIPDB) Name() string { return "abuseipdb" }

type abuseIPDBResponse struct {
	Data struct {
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		IsTor                bool   `json:"isTor"`
		LastReportedAt       string `json:"lastReportedAt"`
		Reports              []struct {
			Categories []int `json:"categories"`
		} `json:"reports"`
	} `json:"data"`
}

func (a *AbuseIPDB) Check(ctx context.Context, ip string) (Result, error) {
	endpoint := fmt.Sprintf("%s/check?ipAddress=%s&maxAgeInDays=%d&verbose=true",
		a.baseURL, url.QueryEscape(ip), a.maxAgeDays)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Key", a.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("abuseipdb returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Bad key or quota; retrying inside the deadline won't help.
			return Result{}, backoff.Permanent(err)
		}
		return Result{}, err
	}

	var body abuseIPDBResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("abuseipdb decode: %w", err)
	}

	res := Result{
		Score: ptr(body.Data.AbuseConfidenceScore),
		IsTor: ptr(body.Data.IsTor),
	}
	if body.Data.LastReportedAt != "" {
		res.LastSeen = ptr(body.Data.LastReportedAt)
	}
	if cats := collectCategories(body); len(cats) > 0 {
		res.Categories = cats
	}
	return res, nil
}

// collectCategories flattens report category IDs into a sorted, de-duplicated
// string list.
func collectCategories(body abuseIPDBResponse) []string {
	seen := make(map[int]struct{})
	for _, report := range body.Data.Reports {
		for _, cat := range report.Categories {
			seen[cat] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	cats := make([]string, len(ids))
	for i, id := range ids {
		cats[i] = strconv.Itoa(id)
	}
	return cats
}
