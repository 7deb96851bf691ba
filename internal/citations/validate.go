package citations

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/shirabe/internal/integrity"
	"github.com/ashita-ai/shirabe/internal/model"
)

// CheckResult is the outcome of one validation tier for one URL.
type CheckResult struct {
	Status model.CitationStatus
	// Conclusive stops the ladder; an inconclusive result escalates to the
	// next (higher-cost) tier, keeping this status as the provisional one.
	Conclusive bool
	Title      string
	Publisher  string
	Snippet    string
}

// Checker is one tier of the escalating-cost validation ladder. Tiers are
// ordered cheapest first; higher tiers run only when a lower tier was
// inconclusive. Concrete escalation mechanisms beyond the built-in probes
// plug in through this interface.
type Checker interface {
	Name() string
	Check(ctx context.Context, normalizedURL string) (CheckResult, error)
}

// Validator runs the citation pipeline's validation ladder under the
// mandatory network-safety constraints.
type Validator struct {
	checkers []Checker
	logger   *slog.Logger
	now      func() time.Time
}

// NewValidator builds a validator with the default two-tier ladder: a
// status probe, then a bounded content fetch.
func NewValidator(logger *slog.Logger, opts ...ValidatorOption) *Validator {
	client := NewSafeClient(5, 10*time.Second)
	v := &Validator{
		checkers: []Checker{
			&statusProbe{client: client},
			&contentCheck{client: client, maxBody: 1 << 20},
		},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// DefaultCheckers returns the standard two-tier ladder with the given
// redirect cap and per-hop timeout.
func DefaultCheckers(maxRedirects int, perHopTimeout time.Duration) []Checker {
	client := NewSafeClient(maxRedirects, perHopTimeout)
	return []Checker{
		&statusProbe{client: client},
		&contentCheck{client: client, maxBody: 1 << 20},
	}
}

// ValidatorOption customizes a Validator.
type ValidatorOption func(*Validator)

// WithCheckers replaces the validation ladder.
func WithCheckers(checkers ...Checker) ValidatorOption {
	return func(v *Validator) { v.checkers = checkers }
}

// WithValidatorClock overrides the validator's time source.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// statusRank orders statuses by confidence. A later, noisier attempt never
// downgrades a status with a higher rank.
var statusRank = map[model.CitationStatus]int{
	model.CitationInvalid:   1,
	model.CitationBlocked:   2,
	model.CitationMismatch:  3,
	model.CitationPaywalled: 4,
	model.CitationValid:     5,
}

func betterOf(a, b model.CitationStatus) model.CitationStatus {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// Validate deduplicates refs by normalized URL, runs the ladder for each,
// and returns one immutable record per distinct normalized URL, sorted by
// URL for deterministic output. Both persisted URL fields are stored
// redacted; the cid is derived from the unredacted normalized form, so
// redaction never changes citation identity.
func (v *Validator) Validate(ctx context.Context, refs []ExtractedRef) ([]model.CitationRecord, error) {
	type candidate struct {
		original string
		found    []model.Provenance
	}
	byURL := make(map[string]*candidate)
	for _, ref := range refs {
		norm, err := Normalize(ref.Raw)
		if err != nil {
			norm = ref.Raw // unparseable: keyed raw, fails static validation below
		}
		c, ok := byURL[norm]
		if !ok {
			c = &candidate{original: ref.Raw}
			byURL[norm] = c
		}
		c.found = append(c.found, ref.Provenance)
	}

	urls := make([]string, 0, len(byURL))
	for u := range byURL {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	records := make([]model.CitationRecord, 0, len(urls))
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("citations: validate: %w", err)
		}
		c := byURL[u]
		rec := model.CitationRecord{
			CID:         integrity.CitationID(u),
			URL:         Redact(u),
			URLOriginal: Redact(c.original),
			CheckedAt:   v.now(),
			FoundBy:     dedupeProvenance(c.found),
		}

		if err := model.ValidateSourceURL(u); err != nil {
			rec.Status = model.CitationInvalid
			v.logger.Debug("citation rejected statically", "url", Redact(u), "error", err)
			records = append(records, rec)
			continue
		}

		rec.Status = v.runLadder(ctx, u, &rec)
		records = append(records, rec)
	}
	return records, nil
}

// runLadder walks the tiers cheapest-first, escalating only on
// inconclusive results and never downgrading a confirmed status.
func (v *Validator) runLadder(ctx context.Context, u string, rec *model.CitationRecord) model.CitationStatus {
	status := model.CitationBlocked // floor when every tier errors out
	for _, checker := range v.checkers {
		res, err := checker.Check(ctx, u)
		if err != nil {
			v.logger.Debug("citation tier errored", "tier", checker.Name(), "url", Redact(u), "error", err)
			continue
		}
		status = betterOf(status, res.Status)
		if res.Title != "" {
			rec.Title = res.Title
		}
		if res.Publisher != "" {
			rec.Publisher = res.Publisher
		}
		if res.Snippet != "" {
			rec.Snippet = res.Snippet
		}
		if res.Conclusive {
			break
		}
	}
	return status
}

func dedupeProvenance(in []model.Provenance) []model.Provenance {
	seen := make(map[model.Provenance]bool, len(in))
	var out []model.Provenance
	for _, p := range in {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Perspective != out[j].Perspective {
			return out[i].Perspective < out[j].Perspective
		}
		return out[i].Artifact < out[j].Artifact
	})
	return out
}

// NewSafeClient returns an http.Client hardened for fetching untrusted
// URLs: private and loopback targets are rejected both before dialing
// (post-DNS) and at every redirect hop, redirect count is bounded, and
// every request carries a per-hop timeout.
func NewSafeClient(maxRedirects int, perHopTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: perHopTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("citations: split host port: %w", err)
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("citations: resolve %s: %w", host, err)
			}
			for _, ip := range ips {
				if model.IsPrivateIP(ip.IP) {
					return nil, fmt.Errorf("citations: %s resolves to a private address", host)
				}
			}
			// Dial a vetted IP, not the hostname, so a second resolution
			// cannot swap in a private target.
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
		TLSHandshakeTimeout:   perHopTimeout,
		ResponseHeaderTimeout: perHopTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   perHopTimeout * time.Duration(maxRedirects+1),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("citations: redirect limit (%d) exceeded", maxRedirects)
			}
			if err := model.ValidateSourceURL(req.URL.String()); err != nil {
				return fmt.Errorf("citations: unsafe redirect target: %w", err)
			}
			return nil
		},
	}
}

// statusProbe is tier 0: a HEAD request (GET on HEAD rejection) classified
// purely by status code. Anti-bot responses are inconclusive and escalate.
type statusProbe struct {
	client *http.Client
}

func (p *statusProbe) Name() string { return "status_probe" }

func (p *statusProbe) Check(ctx context.Context, u string) (CheckResult, error) {
	resp, err := p.do(ctx, http.MethodHead, u)
	if err != nil {
		return CheckResult{}, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp.Body.Close()
		if resp, err = p.do(ctx, http.MethodGet, u); err != nil {
			return CheckResult{}, err
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return classifyStatus(resp.StatusCode), nil
}

func (p *statusProbe) do(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("citations: build probe request: %w", err)
	}
	req.Header.Set("User-Agent", "shirabe-citation-check/1.0")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("citations: probe %s: %w", Redact(u), err)
	}
	return resp, nil
}

func classifyStatus(code int) CheckResult {
	switch {
	case code >= 200 && code < 300:
		return CheckResult{Status: model.CitationValid, Conclusive: true}
	case code == http.StatusUnauthorized || code == http.StatusPaymentRequired:
		return CheckResult{Status: model.CitationPaywalled, Conclusive: true}
	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		// Anti-bot defenses; ambiguous at this tier.
		return CheckResult{Status: model.CitationBlocked, Conclusive: false}
	case code == http.StatusNotFound || code == http.StatusGone:
		return CheckResult{Status: model.CitationInvalid, Conclusive: true}
	case code >= 400 && code < 500:
		return CheckResult{Status: model.CitationInvalid, Conclusive: true}
	default:
		return CheckResult{Status: model.CitationBlocked, Conclusive: false}
	}
}

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// paywallMarkers flag subscription-gated pages that answer 200.
var paywallMarkers = []string{"subscribe to continue", "subscription required", "paywall", "metered-content"}

// contentCheck is tier 1: a bounded GET that inspects the body for a title
// and paywall markers. It is the final built-in tier, so its classification
// is conclusive.
type contentCheck struct {
	client  *http.Client
	maxBody int64
}

func (c *contentCheck) Name() string { return "content_check" }

func (c *contentCheck) Check(ctx context.Context, u string) (CheckResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return CheckResult{}, fmt.Errorf("citations: build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", "shirabe-citation-check/1.0")
	resp, err := c.client.Do(req)
	if err != nil {
		return CheckResult{}, fmt.Errorf("citations: fetch %s: %w", Redact(u), err)
	}
	defer resp.Body.Close()

	if res := classifyStatus(resp.StatusCode); res.Status != model.CitationValid {
		res.Conclusive = true
		return res, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return CheckResult{Status: model.CitationBlocked, Conclusive: true}, nil
	}

	res := CheckResult{Status: model.CitationValid, Conclusive: true}
	if m := titlePattern.FindSubmatch(body); m != nil {
		res.Title = strings.TrimSpace(string(m[1]))
	}
	lower := strings.ToLower(string(body))
	for _, marker := range paywallMarkers {
		if strings.Contains(lower, marker) {
			res.Status = model.CitationPaywalled
			break
		}
	}
	if len(body) == 0 {
		res.Status = model.CitationMismatch
	}
	return res, nil
}
