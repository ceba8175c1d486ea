// Package provider fetches PolicyRecords from their sources: the FortiGate
// REST API, a MariaDB mirror of the device configuration, or a CLI
// configuration dump.
package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"fortigate-policy-export/internal/model"
)

const policyPath = "/api/v2/cmdb/firewall/policy"

// APIClient is a minimal token-authenticated FortiGate REST client.
type APIClient struct {
	baseURL string
	token   string
	vdom    string
	http    *http.Client
}

// NewAPIClient builds a client for baseURL ("https://fw.example.com").
// insecure disables TLS verification for devices with self-signed
// certificates.
func NewAPIClient(baseURL, token, vdom string, insecure bool, timeout time.Duration) *APIClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &APIClient{
		baseURL: trimTrailingSlash(baseURL),
		token:   token,
		vdom:    vdom,
		http:    &http.Client{Timeout: timeout, Transport: transport},
	}
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// apiName is the FortiOS {"name": "..."} list element.
type apiName struct {
	Name string `json:"name"`
}

type apiPolicy struct {
	PolicyID   int       `json:"policyid"`
	Name       string    `json:"name"`
	SrcIntf    []apiName `json:"srcintf"`
	DstIntf    []apiName `json:"dstintf"`
	SrcAddr    []apiName `json:"srcaddr"`
	DstAddr    []apiName `json:"dstaddr"`
	Service    []apiName `json:"service"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Schedule   string    `json:"schedule"`
	LogTraffic string    `json:"logtraffic"`
}

// apiPayload covers the FortiOS response envelope; the policy list arrives
// under "results", some firmware lines use "result".
type apiPayload struct {
	Results []apiPolicy `json:"results"`
	Result  []apiPolicy `json:"result"`
}

// Policies fetches all firewall policies, following the API's skip/limit
// paging until a short page arrives.
func (c *APIClient) Policies(ctx context.Context) ([]model.PolicyRecord, error) {
	const pageSize = 1000

	var records []model.PolicyRecord
	for skip := 0; ; skip += pageSize {
		page, err := c.fetchPage(ctx, pageSize, skip)
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			records = append(records, toRecord(p))
		}
		if len(page) < pageSize {
			return records, nil
		}
	}
}

func (c *APIClient) fetchPage(ctx context.Context, limit, skip int) ([]apiPolicy, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("skip", strconv.Itoa(skip))
	if c.vdom != "" {
		params.Set("vdom", c.vdom)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+policyPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching policies: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetching policies: HTTP %d: %s", resp.StatusCode, body)
	}

	var payload apiPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding policy payload: %w", err)
	}
	return extractResults(payload), nil
}

// extractResults picks the policy list out of the response envelope.
func extractResults(payload apiPayload) []apiPolicy {
	if payload.Results != nil {
		return payload.Results
	}
	return payload.Result
}

func toRecord(p apiPolicy) model.PolicyRecord {
	return model.PolicyRecord{
		ID:         p.PolicyID,
		Name:       p.Name,
		SrcIntf:    names(p.SrcIntf),
		DstIntf:    names(p.DstIntf),
		SrcAddr:    names(p.SrcAddr),
		DstAddr:    names(p.DstAddr),
		Services:   names(p.Service),
		Action:     p.Action,
		Status:     p.Status,
		Schedule:   p.Schedule,
		LogTraffic: p.LogTraffic,
	}
}

func names(list []apiName) []string {
	out := make([]string, 0, len(list))
	for _, n := range list {
		if n.Name != "" {
			out = append(out, n.Name)
		}
	}
	return out
}
