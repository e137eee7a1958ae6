package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgegate/edgegate/internal/config"
)

// IPQualityScore queries the IPQualityScore IP endpoint.
type IPQualityScore struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewIPQualityScore builds the adapter.
func NewIPQualityScore(cfg config.IPQSConfig, client *http.Client) *IPQualityScore {
	if client == nil {
		client = &http.Client{}
	}
	return &IPQualityScore{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  client,
	}
}

func (q *IPQualityScore) Name() string { return "ipqualityscore" }

type ipqsResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	FraudScore  int    `json:"fraud_score"`
	Proxy       bool   `json:"proxy"`
	VPN         bool   `json:"vpn"`
	ActiveVPN   bool   `json:"active_vpn"`
	Tor         bool   `json:"tor"`
	ActiveTor   bool   `json:"active_tor"`
	RecentAbuse bool   `json:"recent_abuse"`
	BotStatus   bool   `json:"bot_status"`
	IsCrawler   bool   `json:"is_crawler"`
}

func (q *IPQualityScore) Check(ctx context.Context, ip string) (Result, error) {
	endpoint := fmt.Sprintf("%s/%s/%s?strictness=1&fast=true&allow_public_access_points=true",
		q.baseURL, url.PathEscape(q.apiKey), url.PathEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, err
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ipqualityscore returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Result{}, backoff.Permanent(err)
		}
		return Result{}, err
	}

	var body ipqsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("ipqualityscore decode: %w", err)
	}
	if !body.Success {
		// The API reports auth and quota problems inside a 200 body.
		return Result{}, backoff.Permanent(fmt.Errorf("ipqualityscore rejected request: %s", body.Message))
	}

	isTor := body.Tor || body.ActiveTor
	isVPN := body.VPN || body.ActiveVPN

	res := Result{
		Score:   ptr(body.FraudScore),
		IsProxy: ptr(body.Proxy),
		IsVPN:   ptr(isVPN),
		IsTor:   ptr(isTor),
	}

	var cats []string
	if body.RecentAbuse {
		cats = append(cats, "abuse")
	}
	if body.BotStatus || body.IsCrawler {
		cats = append(cats, "bot")
	}
	// Network-type categories are mutually exclusive; Tor implies the rest.
	switch {
	case isTor:
		cats = append(cats, "tor")
	case isVPN:
		cats = append(cats, "vpn")
	case body.Proxy:
		cats = append(cats, "proxy")
	}
	if len(cats) > 0 {
		res.Categories = cats
	}
	return res, nil
}
