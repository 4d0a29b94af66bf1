package liquidity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"
)

const (
	attestationPending  = "pending"
	attestationComplete = "complete"
)

// FeeOption is one finality tier offered by the Circle fees API. MinimumFee
// is the decimal fee in basis points as sent by the API, possibly fractional.
type FeeOption struct {
	FinalityThreshold uint32
	MinimumFee        string
}

// Attestation is the state of a burn message. MessageBody and Attestation
// are set once Status is complete.
type Attestation struct {
	Status      string
	MessageBody []byte
	Attestation []byte
}

// Complete reports whether the message can be minted.
func (a Attestation) Complete() bool {
	return a.Status == attestationComplete
}

// CircleAPI reads CCTP V2 fees and attestations.
type CircleAPI interface {
	FeeOptions(ctx context.Context, sourceDomain, destinationDomain uint32) ([]FeeOption, error)
	Attestation(ctx context.Context, sourceDomain uint32, txHash common.Hash) (Attestation, error)
}

// CircleClient is the REST implementation of CircleAPI.
type CircleClient struct {
	baseURL string
	http    *http.Client
}

func NewCircleClient(baseURL string, timeout time.Duration) *CircleClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CircleClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *CircleClient) FeeOptions(ctx context.Context, sourceDomain, destinationDomain uint32) ([]FeeOption, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/v2/burn/USDC/fees/%d/%d", c.baseURL, sourceDomain, destinationDomain))
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("unexpected fees response: %s", truncate(body))
	}

	var out []FeeOption
	parsed.ForEach(func(_, v gjson.Result) bool {
		out = append(out, FeeOption{
			FinalityThreshold: uint32(v.Get("finalityThreshold").Uint()),
			MinimumFee:        v.Get("minimumFee").String(),
		})
		return true
	})
	return out, nil
}

func (c *CircleClient) Attestation(ctx context.Context, sourceDomain uint32, txHash common.Hash) (Attestation, error) {
	q := url.Values{}
	q.Set("transactionHash", txHash.Hex())
	body, err := c.get(ctx, fmt.Sprintf("%s/v2/messages/%d?%s", c.baseURL, sourceDomain, q.Encode()))
	if err != nil {
		return Attestation{}, err
	}

	msg := gjson.GetBytes(body, "messages.0")
	if !msg.Exists() {
		return Attestation{Status: attestationPending}, nil
	}

	att := msg.Get("attestation").String()
	if msg.Get("status").String() != attestationComplete || att == "" || att == "PENDING" {
		return Attestation{Status: attestationPending}, nil
	}

	messageBody, err := hexutil.Decode(msg.Get("message").String())
	if err != nil {
		return Attestation{}, fmt.Errorf("invalid message body: %w", err)
	}
	attestation, err := hexutil.Decode(att)
	if err != nil {
		return Attestation{}, fmt.Errorf("invalid attestation: %w", err)
	}
	return Attestation{Status: attestationComplete, MessageBody: messageBody, Attestation: attestation}, nil
}

func (c *CircleClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("circle request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read circle response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("circle api returned %d: %s", resp.StatusCode, truncate(body))
	}
	return body, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
