package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateSourceURL and the
// citation validator's dial guard.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// IsPrivateIP reports whether ip falls in a loopback, link-local, or
// private range.
func IsPrivateIP(ip net.IP) bool {
	for _, r := range privateIPRanges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateSourceURL ensures a candidate citation URL is a safe, publicly
// routable http/https URL. Rejects non-web schemes, credentials embedded in
// the URL, and private/loopback addresses (SSRF surface). Resolution-time
// and redirect-time checks live in the citation validator; this is the
// static half.
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("source URL must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("source URL must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("source URL must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("source URL must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("source URL must not point to a private or loopback address")
	}
	return nil
}

// Error codes returned in operation envelopes. Callers (including automated
// retriers) branch on these, so they form a closed set.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeSchemaViolation    = "SCHEMA_VIOLATION"
	ErrCodeRevisionConflict   = "REVISION_CONFLICT"
	ErrCodePreconditionNotMet = "PRECONDITION_NOT_MET"
	ErrCodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeWriteFailure       = "WRITE_FAILURE"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error payload in a failed envelope.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ResponseMeta carries request correlation data on every envelope.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the uniform operation result: {ok:true, data...} or
// {ok:false, error:{code,message,details}} — never an unstructured failure.
type Envelope struct {
	OK    bool         `json:"ok"`
	Data  any          `json:"data,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
	Meta  ResponseMeta `json:"meta"`
}
