package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// RelayConfig configures the signing relay client.
type RelayConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Relay submits calls to the signing relay, which holds the proxy key, signs
// the extrinsic and watches it until inclusion. Submissions are never retried
// automatically.
type Relay struct {
	base   string
	token  string
	client *retryablehttp.Client
}

type submitRequest struct {
	Call string `json:"call"`
	Wait string `json:"wait"`
}

type submitResponse struct {
	ExtrinsicHash string  `json:"extrinsicHash"`
	BlockHash     string  `json:"blockHash"`
	BlockNumber   uint64  `json:"blockNumber"`
	Events        []Event `json:"events"`
	Error         string  `json:"error"`
}

// NewRelay constructs a relay client.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("chain: relay url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		// inclusion usually takes one or two blocks
		timeout = 2 * time.Minute
	}
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	if cfg.Logger != nil {
		client.Logger = cfg.Logger
	}
	return &Relay{base: base, token: strings.TrimSpace(cfg.Token), client: client}, nil
}

// SignerAddress returns the account the relay signs with.
func (r *Relay) SignerAddress(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.base+"/v1/signer", nil)
	if err != nil {
		return "", err
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay signer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("relay signer: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("relay signer: decode: %w", err)
	}
	return NormalizeAccount(payload.Address)
}

// Submit signs and submits the call, waiting for inclusion.
func (r *Relay) Submit(ctx context.Context, call Call) (Receipt, error) {
	fail := func(status int, err error) (Receipt, error) {
		return Receipt{}, &SubmissionError{Method: call.Name(), Status: status, Err: err}
	}
	buf, err := json.Marshal(submitRequest{Call: call.Hex(), Wait: "inclusion"})
	if err != nil {
		return fail(0, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.base+"/v1/extrinsics", bytes.NewReader(buf))
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(resp.StatusCode, err)
	}
	var payload submitResponse
	if resp.StatusCode != http.StatusOK {
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			return fail(resp.StatusCode, errors.New(payload.Error))
		}
		return fail(resp.StatusCode, errors.New(strings.TrimSpace(string(body))))
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode receipt: %w", err))
	}
	if payload.BlockHash == "" {
		return fail(resp.StatusCode, errors.New("extrinsic not included"))
	}
	return Receipt{
		ExtrinsicHash: payload.ExtrinsicHash,
		BlockHash:     payload.BlockHash,
		Height:        payload.BlockNumber,
		Events:        payload.Events,
	}, nil
}

func (r *Relay) authorize(req *retryablehttp.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}
