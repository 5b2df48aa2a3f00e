// Package custody is a client for the remote custody service that holds the
// relay wallets' private keys. Only raw digest signing is used.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	signRawPayloadPath = "/public/v1/submit/sign_raw_payload"
	activityType       = "ACTIVITY_TYPE_SIGN_RAW_PAYLOAD_V2"
	encodingHex        = "PAYLOAD_ENCODING_HEXADECIMAL"
	// The digest is already Keccak-256 hashed and must be signed as is.
	hashFunctionNoOp  = "HASH_FUNCTION_NO_OP"
	activityCompleted = "ACTIVITY_STATUS_COMPLETED"
	maxErrorBody      = 4 << 10
)

// ErrRequest wraps every failure to obtain a completed signature.
var ErrRequest = errors.New("custody request failed")

// Config configures a custody Client.
type Config struct {
	BaseURL        string
	OrganizationID string
	APIPublicKey   string
	APIPrivateKey  string
	RateLimitRPS   float64
	RateLimitBurst int
	HTTPClient     *http.Client
	Now            func() time.Time
}

// SignRequest identifies what to sign and with which custody key.
type SignRequest struct {
	OrganizationID string
	SignWith       string
	PayloadHex     string
}

// RawSignature is the custody service's signature result. R and S are hex;
// V is hex as well, though decimal 27/28 is tolerated by signers.
type RawSignature struct {
	R string
	S string
	V string
}

// Client talks to the custody HTTP API.
type Client struct {
	baseURL string
	orgID   string
	key     *apiKey
	limiter *rate.Limiter
	http    *http.Client
	now     func() time.Time
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("custody base url is required")
	}
	key, err := parseAPIKey(cfg.APIPublicKey, cfg.APIPrivateKey)
	if err != nil {
		return nil, err
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		orgID:   cfg.OrganizationID,
		key:     key,
		limiter: rate.NewLimiter(limit, burst),
		http:    cfg.HTTPClient,
		now:     cfg.Now,
	}, nil
}

// OrganizationID returns the default organization used when a request omits one.
func (c *Client) OrganizationID() string { return c.orgID }

type signParameters struct {
	SignWith     string `json:"signWith"`
	Payload      string `json:"payload"`
	Encoding     string `json:"encoding"`
	HashFunction string `json:"hashFunction"`
}

type activityRequest struct {
	Type           string         `json:"type"`
	TimestampMs    string         `json:"timestampMs"`
	OrganizationID string         `json:"organizationId"`
	Parameters     signParameters `json:"parameters"`
}

type activityResponse struct {
	Activity struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Result struct {
			SignRawPayloadResult *struct {
				R string `json:"r"`
				S string `json:"s"`
				V string `json:"v"`
			} `json:"signRawPayloadResult"`
		} `json:"result"`
	} `json:"activity"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SignRawPayload asks the custody service to sign a hex payload without
// hashing it first.
func (c *Client) SignRawPayload(ctx context.Context, req SignRequest) (RawSignature, error) {
	if req.OrganizationID == "" {
		req.OrganizationID = c.orgID
	}
	if req.SignWith == "" || req.PayloadHex == "" {
		return RawSignature{}, fmt.Errorf("%w: sign_with and payload are required", ErrRequest)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return RawSignature{}, fmt.Errorf("%w: rate limit: %v", ErrRequest, err)
	}

	body, err := json.Marshal(activityRequest{
		Type:           activityType,
		TimestampMs:    strconv.FormatInt(c.now().UnixMilli(), 10),
		OrganizationID: req.OrganizationID,
		Parameters: signParameters{
			SignWith:     req.SignWith,
			Payload:      strings.TrimPrefix(req.PayloadHex, "0x"),
			Encoding:     encodingHex,
			HashFunction: hashFunctionNoOp,
		},
	})
	if err != nil {
		return RawSignature{}, err
	}
	stampValue, err := c.key.stamp(body)
	if err != nil {
		return RawSignature{}, fmt.Errorf("%w: %v", ErrRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+signRawPayloadPath, bytes.NewReader(body))
	if err != nil {
		return RawSignature{}, fmt.Errorf("%w: build request: %v", ErrRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(stampHeader, stampValue)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return RawSignature{}, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return RawSignature{}, fmt.Errorf("%w: %s: %s", ErrRequest, resp.Status, apiErr.Message)
		}
		return RawSignature{}, fmt.Errorf("%w: %s", ErrRequest, resp.Status)
	}

	var decoded activityResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return RawSignature{}, fmt.Errorf("%w: decode response: %v", ErrRequest, err)
	}
	if decoded.Activity.Status != activityCompleted {
		return RawSignature{}, fmt.Errorf("%w: activity %s is %s", ErrRequest, decoded.Activity.ID, decoded.Activity.Status)
	}
	result := decoded.Activity.Result.SignRawPayloadResult
	if result == nil {
		return RawSignature{}, fmt.Errorf("%w: activity %s has no signature", ErrRequest, decoded.Activity.ID)
	}
	return RawSignature{R: result.R, S: result.S, V: result.V}, nil
}
