package woocommerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testConfig(serverURL string) map[string]any {
	return map[string]any{
		"store_url":       serverURL,
		"consumer_key":    "ck_test",
		"consumer_secret": "cs_test",
		"currency":        "EUR",
	}
}

func intPtr(n int) *int { return &n }

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(map[string]any{}); err == nil {
		t.Error("expected error for missing store_url")
	}
	if _, err := NewClient(map[string]any{"store_url": "https://shop.example"}); err == nil {
		t.Error("expected error for missing credentials")
	}
	c, err := NewClient(testConfig("https://shop.example/"))
	if err != nil {
		t.Fatal(err)
	}
	if c.storeURL != "https://shop.example" {
		t.Errorf("expected trailing slash stripped, got %q", c.storeURL)
	}
	if c.Currency() != "EUR" {
		t.Errorf("unexpected currency %q", c.Currency())
	}
}

func TestAvailability(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		product wcProduct
		want    string
	}{
		{"out of stock", wcProduct{StockStatus: "outofstock"}, "Out of stock"},
		{"in stock no quantity", wcProduct{StockStatus: "instock"}, "In stock"},
		{"in stock plenty", wcProduct{StockStatus: "instock", StockQuantity: intPtr(40)}, "In stock"},
		{"low stock", wcProduct{StockStatus: "instock", StockQuantity: intPtr(3)}, "Low stock (3 left)"},
		{"backorder", wcProduct{StockStatus: "onbackorder"}, "Out of stock"},
	}
	for _, tc := range cases {
		if got := availability(tc.product); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestBestMatch(t *testing.T) {
	t.Parallel()

	products := []wcProduct{
		{Name: "Eldoria Sneaker Low"},
		{Name: "Trailblazer Hiking Boot"},
		{Name: "Classic Leather Belt"},
	}

	// Near-exact spoken form should pick the sneaker.
	if idx := bestMatch("eldoria sneaker", products); idx != 0 {
		t.Errorf("expected index 0, got %d", idx)
	}
	// Phonetically close misrecognition still matches.
	if idx := bestMatch("eldora sneeker", products); idx != 0 {
		t.Errorf("expected phonetic match at index 0, got %d", idx)
	}
	// Unrelated query matches nothing.
	if idx := bestMatch("garden hose", products); idx != -1 {
		t.Errorf("expected no match, got %d", idx)
	}
	if idx := bestMatch("", products); idx != -1 {
		t.Errorf("expected no match for empty query, got %d", idx)
	}
}

func TestProductStock_Execute(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wp-json/wc/v3/products" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("consumer_key") != "ck_test" {
			t.Error("missing consumer_key auth")
		}
		if r.URL.Query().Get("search") != "eldoria sneaker" {
			t.Errorf("unexpected search %q", r.URL.Query().Get("search"))
		}
		json.NewEncoder(w).Encode([]wcProduct{
			{ID: 7, Name: "Eldoria Sneaker Low", SKU: "ELD-1", Price: "89.90",
				StockStatus: "instock", StockQuantity: intPtr(2), Permalink: "https://shop.example/eldoria"},
		})
	}))
	defer srv.Close()

	integ, err := NewProductStock(testConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer integ.Close()

	result, err := integ.Execute(context.Background(), map[string]any{"query": "eldoria sneaker"})
	if err != nil {
		t.Fatal(err)
	}
	if result["found"] != true {
		t.Fatalf("expected found=true, got %v", result)
	}
	product := result["product"].(map[string]any)
	if product["availability"] != "Low stock (2 left)" {
		t.Errorf("unexpected availability %v", product["availability"])
	}
	if product["currency"] != "EUR" {
		t.Errorf("unexpected currency %v", product["currency"])
	}
}

func TestProductStock_NoMatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]wcProduct{})
	}))
	defer srv.Close()

	integ, err := NewProductStock(testConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer integ.Close()

	result, err := integ.Execute(context.Background(), map[string]any{"query": "flux capacitor"})
	if err != nil {
		t.Fatal(err)
	}
	if result["found"] != false || result["success"] != true {
		t.Errorf("expected clean not-found outcome, got %v", result)
	}
}

func TestFetchAllProducts_Paging(t *testing.T) {
	t.Parallel()

	// Page 1 returns a full page of 100, page 2 a short page; the fetch must
	// stop after the short page.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if r.URL.Query().Get("modified_after") == "" {
			t.Error("expected modified_after to be forwarded")
		}
		var batch []wcProduct
		count := 100
		if page == 2 {
			count = 3
		}
		for i := 0; i < count; i++ {
			batch = append(batch, wcProduct{
				ID:   int64((page-1)*100 + i + 1),
				Name: "Product " + strconv.Itoa((page-1)*100+i+1),
			})
		}
		json.NewEncoder(w).Encode(batch)
	}))
	defer srv.Close()

	integ, err := NewProductStock(testConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	since := time.Now().Add(-time.Hour)
	products, err := integ.(*ProductStock).FetchAllProducts(context.Background(), &since, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 103 {
		t.Fatalf("expected 103 products, got %d", len(products))
	}
	if products[0].ExternalID != "1" || products[102].ExternalID != "103" {
		t.Errorf("unexpected external IDs %q..%q", products[0].ExternalID, products[102].ExternalID)
	}
}

func TestFetchAllProducts_MaxCap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []wcProduct
		for i := 0; i < 100; i++ {
			batch = append(batch, wcProduct{ID: int64(i + 1), Name: "P"})
		}
		json.NewEncoder(w).Encode(batch)
	}))
	defer srv.Close()

	integ, err := NewProductStock(testConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	products, err := integ.(*ProductStock).FetchAllProducts(context.Background(), nil, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 42 {
		t.Fatalf("expected cap at 42 products, got %d", len(products))
	}
}

func TestToStoreProduct(t *testing.T) {
	t.Parallel()

	wp := wcProduct{
		ID:               11,
		Name:             "Eldoria Sneaker Low",
		SKU:              "ELD-1",
		Permalink:        "https://shop.example/eldoria",
		Description:      "<p>Long <b>description</b> here.</p>",
		ShortDescription: "<p>Short one.</p>",
		Price:            "79.90",
		RegularPrice:     "89.90",
		OnSale:           true,
		StockStatus:      "instock",
		Categories:       []wcCategory{{Name: "Shoes"}, {Name: "Sale"}},
		Attributes:       []wcAttribute{{Name: "Size", Options: []string{"42", "43"}}},
	}

	p := toStoreProduct(wp, "EUR")
	if p.ExternalID != "11" {
		t.Errorf("external id: %q", p.ExternalID)
	}
	if p.LongDescription != "Long description here." {
		t.Errorf("html not stripped: %q", p.LongDescription)
	}
	if p.Description != "Short one." {
		t.Errorf("html not stripped: %q", p.Description)
	}
	if p.Category != "Shoes, Sale" {
		t.Errorf("category: %q", p.Category)
	}
	if p.StockQuantity != -1 {
		t.Errorf("expected unknown quantity -1, got %d", p.StockQuantity)
	}
	if !p.OnSale || p.RegularPrice != "89.90" {
		t.Errorf("sale fields lost: %+v", p)
	}
	if len(p.Attributes) != 1 || p.Attributes[0].Name != "Size" {
		t.Errorf("attributes: %+v", p.Attributes)
	}
}

func TestOrderLookup_Verification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wp-json/wc/v3/orders/1001":
			json.NewEncoder(w).Encode(wcOrder{
				ID: 1001, Number: "1001", Status: "processing", Currency: "EUR", Total: "129.80",
				DateCreated: "2026-08-20T10:00:00",
				Billing:     wcBilling{Email: "Jane.Doe@Example.com", Phone: "+49 (171) 123-4567"},
				LineItems:   []wcLineItem{{Name: "Eldoria Sneaker Low", Quantity: 2, Total: "129.80"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	integ, err := NewOrderLookup(testConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer integ.Close()
	ctx := context.Background()

	// Case-insensitive email match verifies.
	result, err := integ.Execute(ctx, map[string]any{"order_id": "1001", "email": "jane.doe@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if result["verified"] != true {
		t.Fatalf("expected verified via email, got %v", result)
	}
	order := result["order"].(map[string]any)
	if order["status"] != "processing" {
		t.Errorf("unexpected order %v", order)
	}

	// Last-10-digit phone match verifies, regardless of formatting.
	result, err = integ.Execute(ctx, map[string]any{"order_id": "1001", "phone": "0171/1234567"})
	if err != nil {
		t.Fatal(err)
	}
	if result["verified"] != true {
		t.Fatalf("expected verified via phone, got %v", result)
	}

	// Caller phone from the session serves as fallback identifier.
	result, err = integ.Execute(ctx, map[string]any{"order_id": "1001", "caller_phone": "+49 171 1234567"})
	if err != nil {
		t.Fatal(err)
	}
	if result["verified"] != true {
		t.Fatalf("expected verified via caller phone, got %v", result)
	}

	// Wrong email, found but unverified: no order contents.
	result, err = integ.Execute(ctx, map[string]any{"order_id": "1001", "email": "intruder@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if result["found"] != true || result["verified"] != false {
		t.Fatalf("expected found-but-unverified, got %v", result)
	}
	if _, leaked := result["order"]; leaked {
		t.Error("unverified lookup must not disclose order contents")
	}

	// Too-short phone cannot verify.
	result, err = integ.Execute(ctx, map[string]any{"order_id": "1001", "phone": "1234567"})
	if err != nil {
		t.Fatal(err)
	}
	if result["verified"] != false {
		t.Fatalf("expected short phone to fail verification, got %v", result)
	}

	// No identifier at all: the lookup still happens, so the model can
	// confirm the order exists and ask for a credential.
	result, err = integ.Execute(ctx, map[string]any{"order_id": "1001"})
	if err != nil {
		t.Fatal(err)
	}
	if result["success"] != true || result["found"] != true || result["verified"] != false {
		t.Fatalf("expected found-but-unverified without identifiers, got %v", result)
	}
	if _, leaked := result["order"]; leaked {
		t.Error("identifier-less lookup must not disclose order contents")
	}
}

func TestOrderLookup_NotFoundAndMissingArgs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	integ, err := NewOrderLookup(testConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer integ.Close()
	ctx := context.Background()

	result, err := integ.Execute(ctx, map[string]any{"order_id": "9999", "email": "a@b.c"})
	if err != nil {
		t.Fatal(err)
	}
	if result["found"] != false || result["success"] != true {
		t.Errorf("expected clean not-found outcome, got %v", result)
	}

	// Missing identifiers do not block the lookup itself.
	result, err = integ.Execute(ctx, map[string]any{"order_id": "9999"})
	if err != nil {
		t.Fatal(err)
	}
	if result["found"] != false || result["success"] != true {
		t.Errorf("expected clean not-found outcome without identifiers, got %v", result)
	}

	// Numeric order IDs from the model are tolerated.
	result, err = integ.Execute(ctx, map[string]any{"order_id": float64(9999), "email": "a@b.c"})
	if err != nil {
		t.Fatal(err)
	}
	if result["found"] != false {
		t.Errorf("expected numeric order_id handled, got %v", result)
	}
}
