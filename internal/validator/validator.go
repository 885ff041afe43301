// Package validator implements component C1: per-request validation of
// provider name, payload size, content type, and source-IP allowlist.
package validator

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/hookrelay/hookrelay/internal/errs"
	"github.com/hookrelay/hookrelay/pkg/config"
)

// HTTP status hints for the validation failures spec §6.1 distinguishes
// beyond a single VALIDATION_FAILURE category.
const (
	statusBadRequest         = http.StatusBadRequest
	statusPayloadTooLarge    = http.StatusRequestEntityTooLarge
	statusUnsupportedContent = http.StatusUnsupportedMediaType
	statusForbidden          = http.StatusForbidden
)

// Request is the subset of an inbound HTTP request the Validator needs.
type Request struct {
	ContentType   string
	ContentLength int64
	Header        http.Header
	RemoteAddr    string
}

// Validator checks inbound requests against the configured rules.
type Validator struct {
	cfg           config.ValidatorConfig
	providerNames *regexp.Regexp
}

// New compiles cfg's provider-name pattern once and returns a Validator.
// An invalid pattern falls back to the spec default `^[a-z0-9-]+$`.
func New(cfg config.ValidatorConfig) *Validator {
	pattern := cfg.ProviderNamePattern
	if pattern == "" {
		pattern = `^[a-z0-9-]+$`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = regexp.MustCompile(`^[a-z0-9-]+$`)
	}
	return &Validator{cfg: cfg, providerNames: re}
}

// Validate applies the rules in spec order: provider name, payload size,
// content type, IP allowlist. The first failure is returned.
func (v *Validator) Validate(provider string, req Request) error {
	if err := v.validateProviderName(provider); err != nil {
		return err
	}
	if err := v.validatePayloadSize(req.ContentLength); err != nil {
		return err
	}
	if err := v.validateContentType(req.ContentType); err != nil {
		return err
	}
	if err := v.validateIPAllowlist(provider, sourceIP(req)); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateProviderName(provider string) error {
	if !v.cfg.Enabled {
		return nil
	}
	if provider == "" || !v.providerNames.MatchString(provider) {
		return errs.NewfWithStatus(errs.CategoryValidation, statusBadRequest, "invalid provider name %q", provider)
	}
	return nil
}

func (v *Validator) validatePayloadSize(size int64) error {
	if !v.cfg.Enabled || v.cfg.MaxPayloadSize <= 0 {
		return nil
	}
	if size > v.cfg.MaxPayloadSize {
		return errs.NewfWithStatus(errs.CategoryValidation, statusPayloadTooLarge, "payload size %d exceeds max %d", size, v.cfg.MaxPayloadSize)
	}
	return nil
}

func (v *Validator) validateContentType(contentType string) error {
	if !v.cfg.Enabled {
		return nil
	}
	token := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if token == "" {
		if v.cfg.RequireContentType {
			return errs.NewfWithStatus(errs.CategoryValidation, statusBadRequest, "content-type header is required")
		}
		return nil
	}
	if len(v.cfg.AllowedContentTypes) == 0 {
		return nil
	}
	for _, allowed := range v.cfg.AllowedContentTypes {
		if strings.EqualFold(allowed, token) {
			return nil
		}
	}
	return errs.NewfWithStatus(errs.CategoryValidation, statusUnsupportedContent, "unsupported content-type %q", token)
}

func (v *Validator) validateIPAllowlist(provider, ip string) error {
	if !v.cfg.Enabled || len(v.cfg.IPAllowlist) == 0 {
		return nil
	}
	entries, configured := v.cfg.IPAllowlist[provider]
	if !configured || len(entries) == 0 {
		return nil
	}
	parsed := net.ParseIP(ip)
	for _, entry := range entries {
		if entry == ip {
			return nil
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && parsed != nil && cidr.Contains(parsed) {
			return nil
		}
	}
	return errs.NewfWithStatus(errs.CategoryValidation, statusForbidden, "source ip %q is not allowed for provider %q", ip, provider)
}

// sourceIP prefers the first X-Forwarded-For entry, falling back to
// RemoteAddr per spec §4.1.
func sourceIP(req Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
