// Package oracle asks the remote classification service about a domain.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/haukened/rr-intel/internal/intel/common/clock"
	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/common/utils"
	"github.com/haukened/rr-intel/internal/intel/domain"
)

const (
	errBaseURLRequired = "oracle base URL is required"
	errBadStatus       = "oracle: unexpected status %d"
	errRequestFailed   = "oracle request: %w"
	errDecodeFailed    = "oracle response: %w"
)

const maxResponseBody = 4 << 20

// record is one verdict as the oracle returns it. OriginIP carries the domain
// name; E is a lifetime in seconds.
type record struct {
	OriginIP string `json:"originIP" validate:"required,domain_name"`
	C        string `json:"c" validate:"required"`
	R        string `json:"r,omitempty"`
	E        int64  `json:"e,omitempty" validate:"gte=0"`
}

type checkRequest struct {
	Domains []string `json:"domains"`
}

// Client implements the classification lookup over HTTP:
// POST {base}/v1/intel/check with {"domains":[name]}.
type Client struct {
	url      string
	client   *http.Client
	timeout  time.Duration
	clock    clock.Clock
	logger   log.Logger
	validate *validator.Validate
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Clock   clock.Clock
	Logger  log.Logger
	Client  *http.Client
}

// NewClient validates opts. Timeout defaults to 5 seconds.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New(errBaseURLRequired)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Client{
		url:      strings.TrimRight(opts.BaseURL, "/") + "/v1/intel/check",
		client:   opts.Client,
		timeout:  opts.Timeout,
		clock:    opts.Clock,
		logger:   opts.Logger,
		validate: newValidator(),
	}, nil
}

// newValidator accepts the same names the pipeline classifies, so a verdict
// is never dropped for a name that was queried.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("domain_name", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return utils.IsValidDomain(name) && strings.IndexFunc(name, notHostRune) < 0
	})
	return v
}

func notHostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		return false
	}
	return true
}

// ensureContextDeadline applies the default timeout when ctx has no deadline.
func (c *Client) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

// Check classifies name. An empty result with a nil error means the oracle has
// nothing on the domain. Records that fail validation are dropped; when all of
// them are, Check returns domain.ErrNoValidRecords.
func (c *Client) Check(ctx context.Context, name string) ([]domain.IntelRecord, error) {
	ctx, cancel := c.ensureContextDeadline(ctx)
	defer cancel()

	body, err := json.Marshal(checkRequest{Domains: []string{name}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return []domain.IntelRecord{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf(errBadStatus, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf(errRequestFailed, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []domain.IntelRecord{}, nil
	}

	var recs []record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf(errDecodeFailed, err)
	}

	now := c.clock.Now()
	out := make([]domain.IntelRecord, 0, len(recs))
	for _, r := range recs {
		r.OriginIP = utils.CanonicalDNSName(r.OriginIP)
		if err := c.validate.Struct(r); err != nil {
			c.logger.Warn(map[string]any{"domain": r.OriginIP, "error": err}, "skipping invalid classification record")
			continue
		}
		rec := domain.IntelRecord{Domain: r.OriginIP, Category: r.C, Reason: r.R}
		if r.E > 0 {
			rec.ExpiresAt = now.Add(time.Duration(r.E) * time.Second)
		}
		out = append(out, rec)
	}
	if len(out) == 0 && len(recs) > 0 {
		return nil, fmt.Errorf("oracle %s: %w (%d dropped)", name, domain.ErrNoValidRecords, len(recs))
	}
	return out, nil
}
