// Package citations implements the citation pipeline: extraction of source
// references from upstream artifacts, deterministic normalization and
// identity assignment, the escalating-cost validation ladder, and the
// line-oriented citation pool.
package citations

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query keys stripped during normalization. Fixed set;
// extending it changes cids, so additions require a pool rebuild.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"utm_id":       true,
	"fbclid":       true,
	"gclid":        true,
	"dclid":        true,
	"msclkid":      true,
	"igshid":       true,
	"mc_cid":       true,
	"mc_eid":       true,
	"ref_src":      true,
	"_hsenc":       true,
	"_hsmi":        true,
}

// redactedParams are query keys whose values must never appear in any
// persisted or logged form.
var redactedParams = map[string]bool{
	"token":        true,
	"access_token": true,
	"id_token":     true,
	"api_key":      true,
	"apikey":       true,
	"key":          true,
	"secret":       true,
	"password":     true,
	"auth":         true,
	"authorization": true,
	"signature":    true,
	"sig":          true,
}

// Normalize canonicalizes a URL deterministically. The steps are
// order-sensitive: lowercase scheme and host, strip the fragment, remove
// tracking query keys, sort remaining query parameters by key then value,
// strip the scheme's default port, and drop a bare trailing slash.
// Normalize is idempotent: Normalize(Normalize(u)) == Normalize(u).
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("citations: parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("citations: not an absolute url: %q", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	type kv struct{ k, v string }
	var params []kv
	for k, vs := range q {
		if trackingParams[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			params = append(params, kv{k, v})
		}
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].k != params[j].k {
			return params[i].k < params[j].k
		}
		return params[i].v < params[j].v
	})
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.v))
	}
	u.RawQuery = b.String()

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if u.Path == "/" {
		u.Path = ""
	}

	return u.String(), nil
}

// Redact replaces the values of credential-bearing query parameters with
// "REDACTED". Safe on already-normalized and raw URLs alike; used on every
// URL headed for a log line or a persisted record field.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "REDACTED"
	}
	q := u.Query()
	changed := false
	for k := range q {
		if redactedParams[strings.ToLower(k)] {
			q.Set(k, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	if u.User != nil {
		u.User = url.User("REDACTED")
	}
	return u.String()
}
