// Package email provides address validation, normalization, quality scoring,
// and batch deduplication for repository ingestion.
//
// Validation is structural and never fails with an error: every input produces
// a Result that names the reason an address was rejected (empty, format,
// disposable). Deeper domain verification (MX lookups) is a pluggable
// capability so that batch imports keep working without network access.
package email

import (
	"context"
	"regexp"
	"strings"
)

// Rejection reasons reported in Result.Reason.
const (
	ReasonEmpty      = "empty"
	ReasonFormat     = "format"
	ReasonDisposable = "disposable"
)

const maxAddressLen = 254

// addressRegex is an RFC-5322-lite format check: printable local part,
// a domain with at least one dot, no spaces.
var addressRegex = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~\-]+@[a-zA-Z0-9](?:[a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)+$`)

// Result is the outcome of validating a single raw address.
type Result struct {
	Input        string  `json:"input"`
	Normalized   string  `json:"normalized"`
	Valid        bool    `json:"valid"`
	Reason       string  `json:"reason,omitempty"`
	QualityScore float64 `json:"quality_score"`
}

// MXChecker probes a domain for MX records. It is an optional capability:
// a nil checker skips the probe entirely, and a failed probe only lowers the
// quality score. It never turns a well-formed address invalid.
type MXChecker interface {
	HasMX(ctx context.Context, domain string) bool
}

// Validator validates and scores email addresses.
type Validator struct {
	disposable map[string]struct{}
	allow      map[string]struct{}
	deny       map[string]struct{}
	mx         MXChecker
}

// Option configures a Validator.
type Option func(*Validator)

// WithDisposableDomains extends the built-in disposable block set.
func WithDisposableDomains(domains []string) Option {
	return func(v *Validator) {
		for _, d := range domains {
			v.disposable[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
		}
	}
}

// WithAllowedDomains marks domains as reputable (quality bonus).
func WithAllowedDomains(domains []string) Option {
	return func(v *Validator) {
		for _, d := range domains {
			v.allow[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
		}
	}
}

// WithDeniedDomains marks domains as low reputation (quality penalty).
func WithDeniedDomains(domains []string) Option {
	return func(v *Validator) {
		for _, d := range domains {
			v.deny[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
		}
	}
}

// WithMXChecker enables MX probing for quality scoring.
func WithMXChecker(mx MXChecker) Option {
	return func(v *Validator) { v.mx = mx }
}

// NewValidator creates a validator with the built-in disposable block set.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		disposable: make(map[string]struct{}, len(defaultDisposableDomains)),
		allow:      make(map[string]struct{}),
		deny:       make(map[string]struct{}),
	}
	for _, d := range defaultDisposableDomains {
		v.disposable[d] = struct{}{}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Normalize trims whitespace, strips surrounding angle brackets, and
// lowercases an address. Safe to call on already-normalized input.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return strings.ToLower(s)
}

// Validate checks a single raw address. It always returns a structured
// Result; invalid input is reported via Valid=false and Reason.
func (v *Validator) Validate(raw string) Result {
	return v.ValidateContext(context.Background(), raw)
}

// ValidateContext is Validate with a context for the optional MX probe.
func (v *Validator) ValidateContext(ctx context.Context, raw string) Result {
	res := Result{Input: raw, Normalized: Normalize(raw)}

	if res.Normalized == "" {
		res.Reason = ReasonEmpty
		return res
	}
	if len(res.Normalized) > maxAddressLen || !addressRegex.MatchString(res.Normalized) {
		res.Reason = ReasonFormat
		return res
	}

	domain := res.Normalized[strings.LastIndex(res.Normalized, "@")+1:]
	if _, blocked := v.disposable[domain]; blocked {
		res.Reason = ReasonDisposable
		return res
	}

	res.Valid = true
	res.QualityScore = v.score(ctx, res.Normalized, domain)
	return res
}

// score computes a deterministic [0,1] quality estimate from syntactic
// confidence and domain reputation. Scores gate ingestion against a
// repository's quality threshold; they never reject an address outright.
func (v *Validator) score(ctx context.Context, addr, domain string) float64 {
	score := 0.5

	// Domain reputation from the allow/deny lists.
	if _, ok := v.allow[domain]; ok {
		score += 0.3
	} else if _, ok := v.deny[domain]; ok {
		score -= 0.3
	}

	// Syntactic confidence signals.
	local := addr[:strings.LastIndex(addr, "@")]
	switch {
	case len(local) < 3:
		score -= 0.1
	case strings.Count(local, ".")+strings.Count(local, "_") <= 2:
		score += 0.1
	}
	if !strings.ContainsAny(local, "0123456789") {
		score += 0.05
	} else if digitRatio(local) > 0.5 {
		// Mostly-numeric local parts correlate with generated addresses.
		score -= 0.15
	}

	if v.mx != nil {
		if v.mx.HasMX(ctx, domain) {
			score += 0.15
		} else {
			score -= 0.2
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func digitRatio(s string) float64 {
	if s == "" {
		return 0
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return float64(digits) / float64(len(s))
}

// LooksLikeAddress is a cheap format-only check used by CSV column detection.
func LooksLikeAddress(s string) bool {
	s = Normalize(s)
	return s != "" && len(s) <= maxAddressLen && addressRegex.MatchString(s)
}
