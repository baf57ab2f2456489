package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/episodesync/internal/domain/episode"
	"github.com/ehr/episodesync/internal/syncerr"
)

// envelope is the source API response wrapper. Code 0 is success.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MinInterval time.Duration
}

// HTTPClient calls GET /operations on the source API, spacing requests at
// least MinInterval apart.
type HTTPClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger zerolog.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &HTTPClient{
		http:    client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "source").Logger(),
	}
}

func (c *HTTPClient) FetchRecords(ctx context.Context, from time.Time, pageSize, pageNum int) ([]Row, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, syncerr.Comm(fmt.Errorf("rate limiter: %w", err))
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fromDate": episode.FormatDateTime(&from),
			"pageSize": strconv.Itoa(pageSize),
			"pageNum":  strconv.Itoa(pageNum),
		}).
		Get("/operations")
	if err != nil {
		return nil, syncerr.Comm(err)
	}

	c.logger.Debug().
		Int("status", resp.StatusCode()).
		Int("page", pageNum).
		Dur("duration", time.Since(start)).
		Msg("source request")

	if resp.IsError() {
		return nil, syncerr.Remote(strconv.Itoa(resp.StatusCode()), truncate(resp.String(), 200))
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, syncerr.Format(fmt.Errorf("decode response: %w", err))
	}
	if env.Code != 0 {
		return nil, syncerr.Remote(strconv.Itoa(env.Code), env.Message)
	}

	var rows []Row
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, syncerr.Format(fmt.Errorf("decode rows: %w", err))
		}
	}
	return rows, nil
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
