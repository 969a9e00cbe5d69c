package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPOptions parameterise the HTTP rate feed.
type HTTPOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// HTTPFeed polls a JSON endpoint reporting {"rate": "...", "sequence": N}.
type HTTPFeed struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPFeed constructs an HTTP rate feed.
func NewHTTPFeed(opts HTTPOptions, logger zerolog.Logger) *HTTPFeed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPFeed{
		opts:   opts,
		logger: logger.With().Str("component", "http_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchRate implements RateSource.
func (f *HTTPFeed) FetchRate(ctx context.Context) (Reading, error) {
	if strings.TrimSpace(f.opts.URL) == "" {
		return Reading{}, errors.New("http source url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.URL, nil)
	if err != nil {
		return Reading{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "autolend/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Reading{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reading{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Reading{}, parseHTTPError(resp.StatusCode, payload)
	}

	var body rateResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return Reading{}, fmt.Errorf("decode rate response: %w", err)
	}

	rate, err := parseRate(body.Rate.String())
	if err != nil {
		return Reading{}, err
	}

	seq := body.Sequence
	if seq == 0 {
		seq = body.Block
	}
	if seq == 0 {
		return Reading{}, errors.New("rate response carries no sequence")
	}

	return Reading{Rate: rate, Seq: seq}, nil
}

type rateResponse struct {
	// Rate may be a JSON string or number; json.Number keeps big values intact.
	Rate     json.Number `json:"rate"`
	Sequence uint64      `json:"sequence"`
	Block    uint64      `json:"block"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("rate feed error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("rate feed error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("rate feed error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("rate feed error (%d)", status)
}

var _ RateSource = (*HTTPFeed)(nil)
