package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/models"
)

const opFetchPage = "nvd.fetch_page"

// NVDClient handles paginated requests to the NVD CVE API
type NVDClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewNVDClient creates a new NVD client. An empty apiKey uses the public quota.
func NewNVDClient(baseURL, apiKey string, timeout time.Duration) *NVDClient {
	return &NVDClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// PageRequest selects one page of the catalog
type PageRequest struct {
	StartIndex     int
	ResultsPerPage int
	PubStartDate   string // ISO-8601, sent only when both dates are set
	PubEndDate     string
}

// CVEPage is one decoded page
type CVEPage struct {
	StartIndex      int
	TotalResults    int
	Vulnerabilities []models.NVDVulnerability
}

// FetchPage requests a single page. Transport failures, non-200 responses and
// undecodable bodies come back as classified faults.
func (c *NVDClient) FetchPage(ctx context.Context, req PageRequest) (*CVEPage, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid NVD base URL: %w", err)
	}

	q := u.Query()
	q.Set("resultsPerPage", strconv.Itoa(req.ResultsPerPage))
	q.Set("startIndex", strconv.Itoa(req.StartIndex))
	if req.PubStartDate != "" && req.PubEndDate != "" {
		q.Set("pubStartDate", req.PubStartDate)
		q.Set("pubEndDate", req.PubEndDate)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, faults.Network(opFetchPage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, faults.HTTPStatus(opFetchPage, resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	var nvdResp models.NVDResponse
	if err := json.NewDecoder(resp.Body).Decode(&nvdResp); err != nil {
		return nil, faults.Validation(opFetchPage, fmt.Errorf("failed to parse NVD response: %w", err))
	}

	return &CVEPage{
		StartIndex:      nvdResp.StartIndex,
		TotalResults:    nvdResp.TotalResults,
		Vulnerabilities: nvdResp.Vulnerabilities,
	}, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
