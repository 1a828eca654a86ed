package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"goa.design/flow/runtime/credentials"
	"goa.design/flow/runtime/workflow"
)

// botSignatures are user agent substrings of known bots: link previewers,
// crawlers and messenger unfurlers. Matching is case-insensitive.
var botSignatures = []string{
	"bot", "crawler", "spider", "slurp",
	"facebookexternalhit", "whatsapp", "telegrambot", "slackbot",
	"discordbot", "twitterbot", "linkedinbot", "skypeuripreview",
	"googlebot", "bingbot", "yandexbot", "duckduckbot", "baiduspider",
	"pinterest", "embedly", "quora link preview", "vkshare",
}

// checkAccess runs the access control chain in order: method, auth, origin,
// IP allowlist, bot filter. The first failing check decides the error.
func checkAccess(ctx context.Context, r *http.Request, e *Entry, creds credentials.Store, clientIP string) error {
	if !strings.EqualFold(r.Method, e.Settings.Method) {
		return fmt.Errorf("%w: use %s", ErrMethodNotAllowed, e.Settings.Method)
	}
	if err := checkAuth(ctx, r, e.Settings.Auth, creds); err != nil {
		return err
	}
	if err := checkOrigin(r.Header.Get("Origin"), e.Settings.Options.AllowedOrigins); err != nil {
		return err
	}
	if err := checkIP(clientIP, e.Settings.Options.IPWhitelist); err != nil {
		return err
	}
	if e.Settings.Options.IgnoreBots && isBot(r.UserAgent()) {
		return fmt.Errorf("%w: bot user agent", ErrForbidden)
	}
	return nil
}

func checkAuth(ctx context.Context, r *http.Request, auth workflow.WebhookAuth, creds credentials.Store) error {
	switch auth.Kind {
	case "", workflow.AuthNone:
		return nil
	case workflow.AuthBasic:
		return checkBasic(r, auth.User, auth.Password)
	case workflow.AuthHeader:
		if !equalConst(r.Header.Get(auth.Name), auth.Value) {
			return fmt.Errorf("%w: header auth failed", ErrUnauthorized)
		}
		return nil
	case workflow.AuthQuery:
		if !equalConst(r.URL.Query().Get(auth.Name), auth.Value) {
			return fmt.Errorf("%w: query auth failed", ErrUnauthorized)
		}
		return nil
	case workflow.AuthCredential:
		return checkCredential(ctx, r, auth.CredentialID, creds)
	default:
		return fmt.Errorf("%w: unknown auth kind %q", ErrUnauthorized, auth.Kind)
	}
}

// checkCredential resolves the auth material through the credential store and
// applies it according to the credential type.
func checkCredential(ctx context.Context, r *http.Request, credentialID string, creds credentials.Store) error {
	if creds == nil {
		return fmt.Errorf("%w: no credential store configured", ErrUnauthorized)
	}
	c, err := creds.GetByID(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("%w: credential lookup failed", ErrUnauthorized)
	}
	switch c.Type {
	case "httpBasicAuth":
		return checkBasic(r, c.Data["user"], c.Data["password"])
	case "httpHeaderAuth":
		if !equalConst(r.Header.Get(c.Data["name"]), c.Data["value"]) {
			return fmt.Errorf("%w: header auth failed", ErrUnauthorized)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported credential type %q", ErrUnauthorized, c.Type)
	}
}

func checkBasic(r *http.Request, user, password string) error {
	u, p, ok := r.BasicAuth()
	if !ok || !equalConst(u, user) || !equalConst(p, password) {
		return fmt.Errorf("%w: basic auth failed", ErrUnauthorized)
	}
	return nil
}

// checkOrigin enforces the allowedOrigins option. Empty and "*" allow any
// origin; entries of form *.example.com allow subdomains.
func checkOrigin(origin, allowed string) error {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" || allowed == "*" {
		return nil
	}
	host := originHost(origin)
	for _, entry := range strings.Split(allowed, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		allowedHost := originHost(entry)
		if strings.HasPrefix(allowedHost, "*.") {
			suffix := allowedHost[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) || host == allowedHost[2:] {
				return nil
			}
			continue
		}
		if host == allowedHost {
			return nil
		}
	}
	return fmt.Errorf("%w: origin %q not allowed", ErrForbidden, origin)
}

// originHost strips scheme and port from an origin value.
func originHost(origin string) string {
	origin = strings.TrimSpace(origin)
	if i := strings.Index(origin, "://"); i >= 0 {
		origin = origin[i+3:]
	}
	if i := strings.IndexByte(origin, ':'); i >= 0 {
		origin = origin[:i]
	}
	return strings.ToLower(origin)
}

// checkIP enforces the ipWhitelist option against the client IP. Entries are
// individual addresses or CIDR ranges.
func checkIP(clientIP, allowlist string) error {
	allowlist = strings.TrimSpace(allowlist)
	if allowlist == "" {
		return nil
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return fmt.Errorf("%w: unparseable client ip %q", ErrForbidden, clientIP)
	}
	for _, entry := range strings.Split(allowlist, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.ContainsRune(entry, '/') {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return nil
			}
			continue
		}
		if other, err := netip.ParseAddr(entry); err == nil && other == addr {
			return nil
		}
	}
	return fmt.Errorf("%w: ip %s not allowed", ErrForbidden, clientIP)
}

func isBot(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, sig := range botSignatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}

func equalConst(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
