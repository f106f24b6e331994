// Package woocommerce integrates WooCommerce stores as tool backends: live
// product stock lookups, order lookups with caller verification, and the
// catalog export consumed by the product sync pipeline.
//
// The WooCommerce REST API (wp-json/wc/v3) is plain JSON over HTTP with
// consumer key/secret query authentication; no SDK is involved.
package woocommerce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiBase = "/wp-json/wc/v3"

// defaultTimeout bounds a single REST request. Tool calls carry their own
// deadline; this is a safety net for catalog fetches.
const defaultTimeout = 30 * time.Second

// Client is a minimal WooCommerce REST client shared by the integrations in
// this package. It is safe for concurrent use.
type Client struct {
	storeURL       string
	consumerKey    string
	consumerSecret string
	currency       string
	httpClient     *http.Client
}

// NewClient builds a client from a binding config map. Required keys:
// "store_url", "consumer_key", "consumer_secret". Optional: "currency"
// (defaults to "EUR").
func NewClient(config map[string]any) (*Client, error) {
	storeURL := configString(config, "store_url")
	if storeURL == "" {
		return nil, fmt.Errorf("woocommerce: store_url must be configured")
	}
	key := configString(config, "consumer_key")
	secret := configString(config, "consumer_secret")
	if key == "" || secret == "" {
		return nil, fmt.Errorf("woocommerce: consumer_key and consumer_secret must be configured")
	}

	currency := configString(config, "currency")
	if currency == "" {
		currency = "EUR"
	}

	return &Client{
		storeURL:       strings.TrimRight(storeURL, "/"),
		consumerKey:    key,
		consumerSecret: secret,
		currency:       currency,
		httpClient:     &http.Client{Timeout: defaultTimeout},
	}, nil
}

// Currency returns the store currency configured for this client.
func (c *Client) Currency() string {
	return c.currency
}

// getJSON performs an authenticated GET against the WooCommerce REST API and
// decodes the response into v.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("consumer_key", c.consumerKey)
	query.Set("consumer_secret", c.consumerSecret)

	reqURL := c.storeURL + apiBase + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("woocommerce: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("woocommerce: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("woocommerce: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("woocommerce: %s: decode: %w", path, err)
	}
	return nil
}

// errNotFound marks a 404 from the store so integrations can report
// "not found" as a domain outcome instead of a failure.
var errNotFound = fmt.Errorf("woocommerce: not found")

// configString reads a string value from a binding config map, tolerating
// missing keys and non-string values.
func configString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// wcProduct mirrors the WooCommerce REST product document, limited to the
// fields the integrations consume.
type wcProduct struct {
	ID               int64         `json:"id"`
	Name             string        `json:"name"`
	SKU              string        `json:"sku"`
	Permalink        string        `json:"permalink"`
	Description      string        `json:"description"`
	ShortDescription string        `json:"short_description"`
	Price            string        `json:"price"`
	RegularPrice     string        `json:"regular_price"`
	OnSale           bool          `json:"on_sale"`
	StockStatus      string        `json:"stock_status"`
	StockQuantity    *int          `json:"stock_quantity"`
	Categories       []wcCategory  `json:"categories"`
	Attributes       []wcAttribute `json:"attributes"`
}

type wcCategory struct {
	Name string `json:"name"`
}

type wcAttribute struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

// wcOrder mirrors the WooCommerce REST order document, limited to the fields
// order lookup consumes.
type wcOrder struct {
	ID          int64        `json:"id"`
	Number      string       `json:"number"`
	Status      string       `json:"status"`
	Currency    string       `json:"currency"`
	Total       string       `json:"total"`
	DateCreated string       `json:"date_created"`
	Billing     wcBilling    `json:"billing"`
	LineItems   []wcLineItem `json:"line_items"`
}

type wcBilling struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type wcLineItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Total    string `json:"total"`
}

// stripHTML removes markup tags from WooCommerce rich-text fields. Good
// enough for prompt text; not a sanitiser.
func stripHTML(s string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
