package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPeakerrSubmit_JSONTransport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("Content-Type = %q, want application/json", ct)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["key"] != "pk" {
			t.Fatalf("key = %v, want pk", req["key"])
		}
		if req["action"] != "add" {
			t.Fatalf("action = %v, want add", req["action"])
		}

		w.Write([]byte(`{"order_id": 555}`))
	}))
	defer ts.Close()

	p := NewPeakerr(ts.URL, "pk")

	res, err := p.Submit(context.Background(), SubmitRequest{ServiceRef: "7", Link: "https://x.com/p", Quantity: 200})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if res.ProviderOrderID != "555" {
		t.Fatalf("ProviderOrderID = %q, want 555", res.ProviderOrderID)
	}
}

func TestPeakerrListRecentOrders_WrappedObject(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orders": [
			{"order_id": "31", "service": "7", "link": "https://x.com/p", "quantity": 200, "status": "completed", "charge": "1.00", "created_at": "2026-08-30T12:00:00Z"}
		]}`))
	}))
	defer ts.Close()

	p := NewPeakerr(ts.URL, "pk")

	orders, err := p.ListRecentOrders(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecentOrders error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1", len(orders))
	}
	if orders[0].ProviderOrderID != "31" || orders[0].ChargeCents != 100 {
		t.Fatalf("unexpected order: %+v", orders[0])
	}
}

func TestPeakerrQueryStatusBatch_Unsupported(t *testing.T) {
	p := NewPeakerr("https://peakerr.example", "pk")

	_, err := p.QueryStatusBatch(context.Background(), []string{"1"})
	if !errors.Is(err, ErrBatchUnsupported) {
		t.Fatalf("expected ErrBatchUnsupported, got %v", err)
	}
}

func TestViralHQSubmit_NestedData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "data": {"id": 907}}`))
	}))
	defer ts.Close()

	p := NewViralHQ(ts.URL, "vk")

	res, err := p.Submit(context.Background(), SubmitRequest{ServiceRef: "insta-likes", Link: "https://x.com/p", Quantity: 50})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if res.ProviderOrderID != "907" {
		t.Fatalf("ProviderOrderID = %q, want 907", res.ProviderOrderID)
	}
}

func TestViralHQQueryStatus_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "message": "order not found"}`))
	}))
	defer ts.Close()

	p := NewViralHQ(ts.URL, "vk")

	_, err := p.QueryStatus(context.Background(), "907")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestViralHQQueryStatus_NestedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "data": {"status": "running"}}`))
	}))
	defer ts.Close()

	p := NewViralHQ(ts.URL, "vk")

	status, err := p.QueryStatus(context.Background(), "907")
	if err != nil {
		t.Fatalf("QueryStatus error: %v", err)
	}
	if status != "running" {
		t.Fatalf("status = %q, want running", status)
	}
}

func TestViralHQListRecentOrders_Unsupported(t *testing.T) {
	p := NewViralHQ("https://viralhq.example", "vk")

	if p.SupportsOrderListing() {
		t.Fatalf("viralhq must not report listing support")
	}

	orders, err := p.ListRecentOrders(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecentOrders error: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("len(orders) = %d, want 0", len(orders))
	}
}

func TestBoostLabQueryStatusBatch_ArrayResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id": 1, "status": "active"},
			{"id": 2, "status": "finished"}
		]`))
	}))
	defer ts.Close()

	p := NewBoostLab(ts.URL, "bk")

	statuses, err := p.QueryStatusBatch(context.Background(), []string{"1", "2"})
	if err != nil {
		t.Fatalf("QueryStatusBatch error: %v", err)
	}
	if statuses["1"] != "active" || statuses["2"] != "finished" {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
}

func TestBoostLabQueryStatus_MissingIsNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	p := NewBoostLab(ts.URL, "bk")

	_, err := p.QueryStatus(context.Background(), "99")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	smmgen := NewSMMGen("https://smmgen.example", "k1")
	viralhq := NewViralHQ("https://viralhq.example", "k2")

	reg := NewRegistry(smmgen, viralhq)

	if _, ok := reg.Get("smmgen"); !ok {
		t.Fatalf("smmgen not found in registry")
	}
	if _, ok := reg.Get("peakerr"); ok {
		t.Fatalf("peakerr must not be in registry")
	}
	if len(reg.All()) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(reg.All()))
	}
}
