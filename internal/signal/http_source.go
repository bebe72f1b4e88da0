package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// HTTPSource fetches predictions from a JSON endpoint. The endpoint receives
// the requested symbols as a comma-separated "symbols" query parameter and
// responds with an array of predictions.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource builds a source for the given endpoint.
func NewHTTPSource(endpoint string) *HTTPSource {
	return &HTTPSource{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, symbols []string) ([]types.PredictionSignal, error) {
	target, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidParameter, "invalid prediction endpoint", err)
	}

	query := target.Query()
	query.Set("symbols", strings.Join(symbols, ","))
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prediction endpoint returned %s", resp.Status)
	}

	var signals []types.PredictionSignal
	if err := json.NewDecoder(resp.Body).Decode(&signals); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidParameter, "failed to decode predictions", err)
	}

	return signals, nil
}

var _ Source = (*HTTPSource)(nil)
