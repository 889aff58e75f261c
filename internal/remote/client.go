// Package remote talks to the proctoring vendor's read-side API: fetching
// participant review records modified since a watermark, and closing stale
// sessions.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"proctorsync/internal/domain"
)

// Error taxonomy. Unauthorized and Unavailable are integration-point-local:
// the engine skips the point for this run and retries next run via the
// watermark. Malformed on the fetch envelope is point-local too.
var (
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrUnavailable  = errors.New("remote: unavailable")
	ErrMalformed    = errors.New("remote: malformed response")
)

// The vendor filters participants by a lastmodified timestamp rendered in its
// own timezone.
const watermarkLayout = "2006-01-02 15:04:05"

type Config struct {
	BaseURL           string
	Timeout           time.Duration
	Location          *time.Location
	PageSize          int
	RequestsPerSecond float64
}

// Client is safe for concurrent use by multiple sync workers.
type Client struct {
	base     *url.URL
	http     *http.Client
	log      *zap.Logger
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	loc      *time.Location
	pageSize int
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote base url %q: not an absolute URL", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "proctor-api",
			Timeout: cfg.Timeout,
		}),
		loc:      loc,
		pageSize: cfg.PageSize,
	}, nil
}

// FetchUpdated returns a lazy iterator over participant records modified
// since the watermark. The iterator is finite and not restartable: once
// drained or failed it stays done, and a re-fetch needs a fresh watermark.
func (c *Client) FetchUpdated(ctx context.Context, apiKey, appID string, since time.Time) *Iter {
	return &Iter{
		c:      c,
		apiKey: apiKey,
		appID:  appID,
		since:  since.In(c.loc).Format(watermarkLayout),
		page:   1,
	}
}

// Iter pages through the participants endpoint one page at a time.
type Iter struct {
	c      *Client
	apiKey string
	appID  string
	since  string
	page   int
	buf    []domain.ParticipantRecord
	idx    int
	done   bool
	err    error
}

// Next returns the next record in the order the API returns them. The second
// result is false when the sequence is exhausted or has failed.
func (it *Iter) Next(ctx context.Context) (domain.ParticipantRecord, bool, error) {
	if it.err != nil {
		return domain.ParticipantRecord{}, false, it.err
	}
	for it.idx >= len(it.buf) {
		if it.done {
			return domain.ParticipantRecord{}, false, nil
		}
		page, err := it.c.fetchPage(ctx, it.apiKey, it.appID, it.since, it.page)
		if err != nil {
			it.err = err
			it.done = true
			return domain.ParticipantRecord{}, false, err
		}
		it.page++
		it.buf = page
		it.idx = 0
		if len(page) < it.c.pageSize {
			it.done = true
		}
		if len(page) == 0 {
			return domain.ParticipantRecord{}, false, nil
		}
	}
	rec := it.buf[it.idx]
	it.idx++
	return rec, true, nil
}

// Wire shapes, as the vendor sends them.
type rawFlag struct {
	FlagName string `json:"FlagName"`
	Comment  string `json:"Comment"`
}

type rawParticipant struct {
	ParticipantIdentifier string    `json:"ParticipantIdentifier"`
	ReviewStatus          string    `json:"ReviewStatus"`
	Created               int64     `json:"Created"`
	Modified              int64     `json:"Modified"`
	ResubmitURL           string    `json:"ResubmitUrl"`
	Flags                 []rawFlag `json:"Flags"`
}

func (c *Client) fetchPage(ctx context.Context, apiKey, appID, since string, page int) ([]domain.ParticipantRecord, error) {
	q := url.Values{}
	q.Set("appid", appID)
	q.Set("apikey", apiKey)
	q.Set("lastmodified", since)
	q.Set("page", strconv.Itoa(page))
	q.Set("perpage", strconv.Itoa(c.pageSize))
	body, err := c.do(ctx, http.MethodGet, "/api/participants", q)
	if errors.Is(err, errGone) {
		return nil, fmt.Errorf("%w: participants endpoint not found", ErrMalformed)
	}
	if err != nil {
		return nil, err
	}
	var raw []rawParticipant
	if err := json.Unmarshal(body, &raw); err != nil {
		c.log.Warn("participants payload did not parse", zap.String("appid", appID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	records := make([]domain.ParticipantRecord, 0, len(raw))
	for _, r := range raw {
		records = append(records, normalize(r))
	}
	c.log.Debug("fetched participant page",
		zap.String("appid", appID), zap.Int("page", page), zap.Int("records", len(records)))
	return records, nil
}

func normalize(r rawParticipant) domain.ParticipantRecord {
	rec := domain.ParticipantRecord{
		Identifier:   r.ParticipantIdentifier,
		ReviewStatus: r.ReviewStatus,
		CreatedAt:    time.Unix(r.Created, 0).UTC(),
		ModifiedAt:   time.Unix(r.Modified, 0).UTC(),
		ResubmitURL:  r.ResubmitURL,
	}
	for _, f := range r.Flags {
		rec.Flags = append(rec.Flags, domain.Flag{Name: f.FlagName, Comment: f.Comment})
	}
	return rec
}

// CloseSession asks the vendor to end a participant's open session. Closing a
// session that is already closed (or unknown) is not an error.
func (c *Client) CloseSession(ctx context.Context, appID string, activityID, userID int64) error {
	q := url.Values{}
	q.Set("appid", appID)
	q.Set("activityref", strconv.FormatInt(activityID, 10))
	q.Set("userid", strconv.FormatInt(userID, 10))
	_, err := c.do(ctx, http.MethodPost, "/api/closesession", q)
	if errors.Is(err, errGone) {
		return nil
	}
	if err != nil {
		return err
	}
	c.log.Debug("closed remote session",
		zap.String("appid", appID), zap.Int64("activity_id", activityID), zap.Int64("user_id", userID))
	return nil
}

// errGone marks already-closed / unknown sessions so CloseSession can treat
// them as success.
var errGone = errors.New("remote: gone")

func (c *Client) do(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	u := *c.base
	u.Path = u.Path + path
	u.RawQuery = q.Encode()

	type doResult struct {
		body []byte
		gone bool
	}
	out, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return doResult{body: body}, nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusGone:
			// Not a vendor failure; must not trip the breaker.
			return doResult{gone: true}, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, ErrUnauthorized
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: status %d", ErrMalformed, resp.StatusCode)
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	res := out.(doResult)
	if res.gone {
		return nil, errGone
	}
	return res.body, nil
}
