package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ethanolivertroy/cvechain/internal/faults"
)

const opDefenses = "d3fend.defenses"

// D3FENDClient handles requests to the D3FEND offensive-technique API
type D3FENDClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewD3FENDClient creates a new D3FEND client
func NewD3FENDClient(baseURL string, timeout time.Duration) *D3FENDClient {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &D3FENDClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

// D3FENDResponse is the SPARQL-style result for one ATT&CK technique
type D3FENDResponse struct {
	OffToDef struct {
		Results struct {
			Bindings []D3FENDBinding `json:"bindings"`
		} `json:"results"`
	} `json:"off_to_def"`
}

// D3FENDBinding is one offensive to defensive technique row
type D3FENDBinding struct {
	DefTech struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"def_tech"`
	DefTechLabel struct {
		Value string `json:"value"`
	} `json:"def_tech_label"`
}

// FetchDefenses returns the sorted defensive technique ids mapped to an
// ATT&CK technique such as "T1059". Unknown techniques yield no ids.
func (c *D3FENDClient) FetchDefenses(ctx context.Context, technique string) ([]string, error) {
	url := fmt.Sprintf("%s%s.json", c.baseURL, technique)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.Network(opDefenses, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.HTTPStatus(opDefenses, resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	var d3fResp D3FENDResponse
	if err := json.NewDecoder(resp.Body).Decode(&d3fResp); err != nil {
		return nil, faults.Validation(opDefenses, fmt.Errorf("failed to parse D3FEND response: %w", err))
	}

	seen := make(map[string]bool)
	var ids []string
	for _, b := range d3fResp.OffToDef.Results.Bindings {
		id := ontologyFragment(b.DefTech.Value)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ontologyFragment returns the part after '#' of an ontology URI, or the
// value itself when it has none
func ontologyFragment(uri string) string {
	if i := strings.LastIndexByte(uri, '#'); i >= 0 {
		return uri[i+1:]
	}
	return strings.TrimSpace(uri)
}
