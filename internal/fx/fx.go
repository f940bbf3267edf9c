// Package fx keeps exchange rates for reporting donation amounts in the base currency.
package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/pkg/logger"
)

// RatesResponse is the payload served by the rates endpoint.
type RatesResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

// RateService fetches and caches exchange rates against a base currency.
type RateService struct {
	logger  *logger.Logger
	url     string
	base    string
	client  *http.Client
	refresh time.Duration

	// In-memory cache
	rates      map[string]models.ExchangeRate
	cacheMutex sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRateService(logger *logger.Logger, url, base string) *RateService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RateService{
		logger:  logger,
		url:     url,
		base:    strings.ToUpper(base),
		refresh: time.Hour,
		rates:   make(map[string]models.ExchangeRate),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// FetchAndUpdateRates replaces the cached rates with the endpoint's current ones.
func (s *RateService) FetchAndUpdateRates(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build rates request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var payload RatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode rates response: %w", err)
	}
	if !strings.EqualFold(payload.Base, s.base) {
		return fmt.Errorf("rates are quoted in %q, expected %q", payload.Base, s.base)
	}

	now := time.Now().Unix()
	rates := make(map[string]models.ExchangeRate, len(payload.Rates))
	for currency, rate := range payload.Rates {
		if !rate.IsPositive() {
			s.logger.Debugw("Skipping non-positive rate", "currency", currency, "rate", rate)
			continue
		}
		currency = strings.ToUpper(currency)
		rates[currency] = models.ExchangeRate{Currency: currency, Rate: rate, UpdatedAt: now}
	}

	// Update the cache atomically
	s.cacheMutex.Lock()
	s.rates = rates
	s.cacheMutex.Unlock()

	s.logger.Infow("Exchange rates updated", "base", s.base, "count", len(rates))
	return nil
}

// Rates returns the cached rates sorted by currency.
func (s *RateService) Rates() []models.ExchangeRate {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	out := make([]models.ExchangeRate, 0, len(s.rates))
	for _, r := range s.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// Convert expresses amount, given in from, in the base currency.
func (s *RateService) Convert(amount decimal.Decimal, from string) (decimal.Decimal, string, bool) {
	from = strings.ToUpper(from)
	if from == s.base {
		return amount, s.base, true
	}
	s.cacheMutex.RLock()
	rate, ok := s.rates[from]
	s.cacheMutex.RUnlock()
	if !ok {
		return decimal.Zero, "", false
	}
	return amount.Div(rate.Rate).Round(2), s.base, true
}

// StartPeriodicUpdate starts a goroutine that updates rates periodically
func (s *RateService) StartPeriodicUpdate() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Initial fetch with retry logic
		backoff := 5 * time.Second
		maxBackoff := 5 * time.Minute

		for {
			if err := s.FetchAndUpdateRates(s.ctx); err != nil {
				s.logger.Errorw("Failed to fetch rates on startup, retrying...", "error", err, "retry_in", backoff)

				select {
				case <-time.After(backoff):
					backoff = backoff * 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
					continue
				case <-s.ctx.Done():
					s.logger.Info("Rate service stopped during initial fetch")
					return
				}
			}
			break
		}

		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.FetchAndUpdateRates(s.ctx); err != nil {
					s.logger.Errorw("Failed to fetch rates during periodic update", "error", err)
				}
			case <-s.ctx.Done():
				s.logger.Info("Rate service periodic update stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the RateService
func (s *RateService) Stop() {
	s.cancel()
	s.wg.Wait()
}
