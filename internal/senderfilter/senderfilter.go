package senderfilter

import (
	"net/mail"
	"strings"

	"go.uber.org/zap"
)

// Checker tells which senders are never classified, by domain
type Checker struct {
	domains []string
	logger  *zap.Logger
}

// NewChecker creates a sender filter for the given domains. A listed
// domain also covers its subdomains.
func NewChecker(domains []string, logger *zap.Logger) *Checker {
	normalized := make([]string, 0, len(domains))
	for _, domain := range domains {
		d := strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".@")
		if d != "" {
			normalized = append(normalized, d)
		}
	}

	if len(normalized) > 0 && logger != nil {
		logger.Info("Initialized sender filter", zap.Strings("skip_domains", normalized))
	}

	return &Checker{
		domains: normalized,
		logger:  logger,
	}
}

// IsIgnored reports whether from, a bare address or a "Name <addr>"
// header value, belongs to a skipped domain
func (c *Checker) IsIgnored(from string) bool {
	if len(c.domains) == 0 {
		return false
	}

	domain := senderDomain(from)
	if domain == "" {
		return false
	}

	for _, skipped := range c.domains {
		if domain == skipped || strings.HasSuffix(domain, "."+skipped) {
			if c.logger != nil {
				c.logger.Debug("Sender domain is skipped",
					zap.String("domain", domain),
					zap.String("from", from))
			}
			return true
		}
	}
	return false
}

func senderDomain(from string) string {
	addr := strings.TrimSpace(from)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimRight(addr[at+1:], ">"))
}
