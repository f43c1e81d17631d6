package settlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMintOnCheckIn_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST request, got %s", r.Method)
		}
		if r.URL.Path != "/api/mint" {
			t.Errorf("expected path /api/mint, got %s", r.URL.Path)
		}

		var req MintRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.MemberID != 11 || req.MerchantID != 7 || req.PointsEarned != 10 || req.ScanID != 3 {
			t.Errorf("unexpected request body: %+v", req)
		}

		amount := int64(10)
		hash := "0xabc"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(MintResponse{Success: true, Amount: &amount, TxHash: &hash})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	resp, err := client.MintOnCheckIn(ctx, MintRequest{MemberID: 11, MerchantID: 7, PointsEarned: 10, ScanID: 3}, nil)
	if err != nil {
		t.Fatalf("MintOnCheckIn: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success response")
	}
	if resp.Amount == nil || *resp.Amount != 10 {
		t.Fatalf("unexpected amount: %v", resp.Amount)
	}
	if resp.TxHash == nil || *resp.TxHash != "0xabc" {
		t.Fatalf("unexpected tx hash: %v", resp.TxHash)
	}
}

func TestMintOnCheckIn_SignsRequestWithWalletKey(t *testing.T) {
	walletKey := []byte("custodial-wallet-key")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}

		mac := hmac.New(sha256.New, walletKey)
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))

		if got := r.Header.Get("X-Settlement-Signature"); got != want {
			t.Errorf("signature = %q, want %q", got, want)
		}

		json.NewEncoder(w).Encode(MintResponse{Success: true})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if _, err := client.MintOnCheckIn(ctx, MintRequest{MemberID: 1, MerchantID: 1, PointsEarned: 5, ScanID: 1}, walletKey); err != nil {
		t.Fatalf("MintOnCheckIn: %v", err)
	}
}

func TestMintOnCheckIn_NoSignatureWithoutKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Settlement-Signature") != "" {
			t.Errorf("unexpected signature header without wallet key")
		}
		json.NewEncoder(w).Encode(MintResponse{Success: true})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if _, err := client.MintOnCheckIn(ctx, MintRequest{MemberID: 1, MerchantID: 1, PointsEarned: 5, ScanID: 1}, nil); err != nil {
		t.Fatalf("MintOnCheckIn: %v", err)
	}
}

func TestMintOnCheckIn_GatewayRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(MintResponse{Success: false})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	resp, err := client.MintOnCheckIn(ctx, MintRequest{MemberID: 1, MerchantID: 1, PointsEarned: 5, ScanID: 1}, nil)
	if err != nil {
		t.Fatalf("MintOnCheckIn: %v", err)
	}
	if resp.Success {
		t.Fatalf("expected unsuccessful response")
	}
}
