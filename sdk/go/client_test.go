package veridrawsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/escrows/esc-1/confirm-funds" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "vd_key" {
			t.Errorf("missing api key header")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["reference"] != "wire-9" {
			t.Errorf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrow": map[string]any{"id": "esc-1", "state": "FUNDED", "funded_amount": "100.00"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "vd_key"
	d, err := c.ConfirmFunds(context.Background(), "esc-1", "wire-9")
	if err != nil {
		t.Fatalf("confirm funds: %v", err)
	}
	if d.Escrow.State != "FUNDED" || d.Escrow.FundedAmount != "100.00" {
		t.Fatalf("unexpected escrow %+v", d.Escrow)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_state","message":"missing evidence","details":{"missing_evidence":["PHOTO"]}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Approve(context.Background(), "m-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "invalid_state" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if missing, _ := apiErr.Details["missing_evidence"].([]any); len(missing) != 1 {
		t.Fatalf("expected details, got %v", apiErr.Details)
	}
}
