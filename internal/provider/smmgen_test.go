package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSMMGenSubmit_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("action") != "add" {
			t.Fatalf("action = %q, want add", r.PostForm.Get("action"))
		}
		if r.PostForm.Get("key") != "secret" {
			t.Fatalf("key = %q, want secret", r.PostForm.Get("key"))
		}
		if r.PostForm.Get("quantity") != "1000" {
			t.Fatalf("quantity = %q, want 1000", r.PostForm.Get("quantity"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order": 88421}`))
	}))
	defer ts.Close()

	p := NewSMMGen(ts.URL, "secret")

	res, err := p.Submit(context.Background(), SubmitRequest{
		ServiceRef: "101",
		Link:       "https://x.com/p/1",
		Quantity:   1000,
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if res.ProviderOrderID != "88421" {
		t.Fatalf("ProviderOrderID = %q, want 88421", res.ProviderOrderID)
	}
}

func TestSMMGenSubmit_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Not enough funds"}`))
	}))
	defer ts.Close()

	p := NewSMMGen(ts.URL, "secret")

	_, err := p.Submit(context.Background(), SubmitRequest{ServiceRef: "101", Link: "https://x.com/p/1", Quantity: 100})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected *RejectedError, got %T", err)
	}
	if rejected.Reason != "Not enough funds" {
		t.Fatalf("Reason = %q, want %q", rejected.Reason, "Not enough funds")
	}
	if !strings.Contains(rejected.Raw, "Not enough funds") {
		t.Fatalf("raw payload not preserved: %q", rejected.Raw)
	}
}

func TestSMMGenSubmit_EmbeddedErrorIn200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"Invalid service"}`))
	}))
	defer ts.Close()

	p := NewSMMGen(ts.URL, "secret")

	_, err := p.Submit(context.Background(), SubmitRequest{ServiceRef: "101", Link: "https://x.com/p/1", Quantity: 100})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for 200 with embedded error, got %v", err)
	}
}

func TestSMMGenSubmit_Ambiguous(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accepted": true}`))
	}))
	defer ts.Close()

	p := NewSMMGen(ts.URL, "secret")

	_, err := p.Submit(context.Background(), SubmitRequest{ServiceRef: "101", Link: "https://x.com/p/1", Quantity: 100})
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}

	var ambiguous *AmbiguousError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("expected *AmbiguousError, got %T", err)
	}
	if !strings.Contains(ambiguous.Raw, "accepted") {
		t.Fatalf("raw payload not preserved: %q", ambiguous.Raw)
	}
}

func TestSMMGenSubmit_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"order": 1}`))
	}))
	defer ts.Close()

	p := NewSMMGen(ts.URL, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Submit(ctx, SubmitRequest{ServiceRef: "101", Link: "https://x.com/p/1", Quantity: 100})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSMMGenQueryStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("order") != "88421" {
			t.Fatalf("order = %q, want 88421", r.PostForm.Get("order"))
		}
		w.Write([]byte(`{"status": "In progress", "charge": "5.00"}`))
	}))
	defer ts.Close()

	p := NewSMMGen(ts.URL, "secret")

	status, err := p.QueryStatus(context.Background(), "88421")
	if err != nil {
		t.Fatalf("QueryStatus error: %v", err)
	}
	if status != "In progress" {
		t.Fatalf("status = %q, want %q", status, "In progress")
	}
}

func TestSMMGenQueryStatusBatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("orders") != "1,2,3" {
			t.Fatalf("orders = %q, want 1,2,3", r.PostForm.Get("orders"))
		}
		w.Write([]byte(`{
			"1": {"status": "Completed"},
			"2": {"status": "Pending"},
			"3": {"error": "Incorrect order ID"}
		}`))
	}))
	defer ts.Close()

	p := NewSMMGen(ts.URL, "secret")

	statuses, err := p.QueryStatusBatch(context.Background(), []string{"1", "2", "3"})
	if err != nil {
		t.Fatalf("QueryStatusBatch error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}
	if statuses["1"] != "Completed" || statuses["2"] != "Pending" {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
}

func TestSMMGenListRecentOrders(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"order": 10, "service": "101", "link": "https://x.com/a", "quantity": 500, "status": "Completed", "charge": "2.50", "created": "2026-08-30 10:00:00"},
			{"order": 11, "service": "102", "link": "https://x.com/b", "quantity": "1000", "status": "Pending", "charge": 5.0, "created": "2026-08-30 11:30:00"}
		]`))
	}))
	defer ts.Close()

	p := NewSMMGen(ts.URL, "secret")

	orders, err := p.ListRecentOrders(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListRecentOrders error: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2", len(orders))
	}

	first := orders[0]
	if first.ProviderOrderID != "10" || first.Quantity != 500 || first.ChargeCents != 250 {
		t.Fatalf("unexpected first order: %+v", first)
	}
	if first.PlacedAt.IsZero() {
		t.Fatalf("PlacedAt not parsed")
	}

	if orders[1].Quantity != 1000 || orders[1].ChargeCents != 500 {
		t.Fatalf("unexpected second order: %+v", orders[1])
	}
}
