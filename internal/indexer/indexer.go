package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
)

// Client reads claimable work from the intents indexer.
type Client interface {
	GetPendingWithdrawals(ctx context.Context, intentSource common.Address) ([]Withdrawal, error)
	GetPendingProofs(ctx context.Context, intentSource common.Address) ([]Proof, error)
}

// TokenAmount is one ERC20 reward entry.
type TokenAmount struct {
	Token  common.Address `json:"token"`
	Amount *BigInt        `json:"amount"`
}

// Reward mirrors the portal's reward struct.
type Reward struct {
	Deadline     uint64         `json:"deadline"`
	Creator      common.Address `json:"creator"`
	Prover       common.Address `json:"prover"`
	NativeAmount *BigInt        `json:"nativeAmount"`
	Tokens       []TokenAmount  `json:"tokens"`
}

// Withdrawal is a proven intent whose reward can be claimed on its source chain.
type Withdrawal struct {
	IntentHash  common.Hash `json:"intentHash"`
	Source      uint64      `json:"source"`
	Destination uint64      `json:"destination"`
	RouteHash   common.Hash `json:"routeHash"`
	Reward      Reward      `json:"reward"`
}

// Proof is a fulfilled intent whose proof still has to be relayed back to
// its source chain. ChainID is the intent's source chain and
// DestinationChainID the chain it was fulfilled on.
type Proof struct {
	Hash               common.Hash    `json:"hash"`
	Prover             common.Address `json:"prover"`
	ChainID            uint64         `json:"chainId"`
	DestinationChainID uint64         `json:"destinationChainId"`
}

// BigInt accepts decimal strings, hex strings or JSON numbers.
type BigInt struct {
	big.Int
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		b.SetInt64(0)
		return nil
	}
	if _, ok := b.SetString(raw, 0); !ok {
		return fmt.Errorf("invalid integer %q", raw)
	}
	return nil
}

func (b *BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// Big returns the value as *big.Int, treating nil as zero.
func (b *BigInt) Big() *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(&b.Int)
}

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	baseURL  string
	http     *http.Client
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

// NewHTTPClient creates an indexer client from configuration.
func NewHTTPClient(cfg config.IndexerConfig, logger *slog.Logger) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("indexer url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = defaultRetryAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		http:     &http.Client{Timeout: timeout},
		attempts: attempts,
		delay:    delay,
		logger:   logger.With(slog.String("component", "indexer")),
	}, nil
}

func (c *HTTPClient) GetPendingWithdrawals(ctx context.Context, intentSource common.Address) ([]Withdrawal, error) {
	var out []Withdrawal
	if err := c.get(ctx, "/intents/withdrawals", intentSource, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetPendingProofs(ctx context.Context, intentSource common.Address) ([]Proof, error) {
	var out []Proof
	if err := c.get(ctx, "/intents/proves", intentSource, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("indexer returned status %d: %s", e.code, e.body)
}

func (c *HTTPClient) get(ctx context.Context, path string, intentSource common.Address, out any) error {
	endpoint := c.baseURL + path + "?" + url.Values{"intentSource": {intentSource.Hex()}}.Encode()

	body, err := retry.DoWithData(
		func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode != http.StatusOK {
				statusErr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
				if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
					return nil, retry.Unrecoverable(statusErr)
				}
				return nil, statusErr
			}
			return data, nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.WarnContext(ctx, "Indexer request failed, retrying",
				slog.String("path", path),
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to query %s for %s: %w", path, intentSource.Hex(), err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
