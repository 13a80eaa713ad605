package db

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	TxKey       contextKey = "db_tx"
)

// Tenants are clinic subdomains, so identifiers follow DNS label rules.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// TenantConfig controls how the current clinic is resolved from a request.
type TenantConfig struct {
	// DefaultTenant is used when nothing in the request names a tenant.
	DefaultTenant string
	// BaseDomain is the apex the clinic subdomains live under, e.g.
	// "pediclinic.app". When empty, the left-most label of any host with at
	// least three labels is used.
	BaseDomain string
}

// ValidTenantID reports whether id is an acceptable clinic subdomain.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// TenantMiddleware resolves the clinic subdomain of each request and stores
// it on the request context.
func TenantMiddleware(cfg TenantConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, cfg)
			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := WithTenant(c.Request().Context(), tenantID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, cfg TenantConfig) string {
	// 1. JWT claim (set by auth middleware). A token-authenticated request
	// never falls back to client-supplied sources.
	if tid, ok := c.Get("jwt_tenant_id").(string); ok {
		return strings.ToLower(tid)
	}

	// 2. X-Tenant-ID header
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return strings.ToLower(tid)
	}

	// 3. Subdomain of the Host header
	if sub := subdomainOf(c.Request().Host, cfg.BaseDomain); sub != "" {
		return sub
	}

	return cfg.DefaultTenant
}

// subdomainOf returns the clinic label of host, or "" when host is the apex,
// an IP address, localhost or "www".
func subdomainOf(host, baseDomain string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || host == "localhost" || net.ParseIP(host) != nil {
		return ""
	}

	var label string
	if baseDomain != "" {
		base := strings.ToLower(strings.Trim(baseDomain, "."))
		rest, ok := strings.CutSuffix(host, "."+base)
		if !ok || rest == "" {
			return ""
		}
		parts := strings.Split(rest, ".")
		label = parts[len(parts)-1]
	} else {
		parts := strings.Split(host, ".")
		if len(parts) < 3 {
			return ""
		}
		label = parts[0]
	}

	if label == "www" {
		return ""
	}
	return label
}

// WithTenant returns a context carrying the tenant id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}
