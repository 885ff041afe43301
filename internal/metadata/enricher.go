// Package metadata implements component C3: a pure function from an
// inbound HTTP request to the EnrichedMetadata attached to every
// WebhookEnvelope. It never fails — unknown fields default to "Unknown".
package metadata

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hookrelay/hookrelay/internal/webhook"
)

const unknown = "Unknown"

var (
	botPattern = regexp.MustCompile(
		`(?i)bot|crawler|spider|curl|wget|postman|python-requests|httpclient`,
	)
	browserPattern = regexp.MustCompile(
		`(?i)(Chrome|CriOS|Firefox|Safari|Edg|OPR|MSIE|Trident)/?\s*([\d.]+)?`,
	)
	osPattern = regexp.MustCompile(
		`(?i)(Windows NT|Mac OS X|Android|iPhone OS|CPU OS|Linux)\s*([\d._]+)?`,
	)
)

// Enricher builds EnrichedMetadata for inbound requests.
type Enricher struct{}

// New returns a ready-to-use Enricher.
func New() *Enricher { return &Enricher{} }

// Enrich derives metadata from r and the already-read body length.
func (e *Enricher) Enrich(r *http.Request, bodySize int) webhook.EnrichedMetadata {
	now := time.Now()
	return webhook.EnrichedMetadata{
		RequestID:       uuid.NewString(),
		ReceivedAtNanos: now.UnixNano(),
		RequestSize:     bodySize,
		UserAgent:       parseUserAgent(r.Header.Get("User-Agent")),
	}
}

func parseUserAgent(ua string) webhook.UserAgentInfo {
	info := webhook.UserAgentInfo{
		Raw:        ua,
		Browser:    unknown,
		BrowserVer: unknown,
		OS:         unknown,
		OSVersion:  unknown,
		DeviceType: deviceType(ua),
		IsBot:      botPattern.MatchString(ua),
	}
	if m := browserPattern.FindStringSubmatch(ua); m != nil {
		info.Browser = normalizeBrowserName(m[1])
		if m[2] != "" {
			info.BrowserVer = m[2]
		} else {
			info.BrowserVer = unknown
		}
	}
	if m := osPattern.FindStringSubmatch(ua); m != nil {
		info.OS = m[1]
		if m[2] != "" {
			info.OSVersion = strings.ReplaceAll(m[2], "_", ".")
		} else {
			info.OSVersion = unknown
		}
	}
	return info
}

func normalizeBrowserName(raw string) string {
	switch strings.ToLower(raw) {
	case "crios":
		return "Chrome"
	case "edg":
		return "Edge"
	case "opr":
		return "Opera"
	case "msie", "trident":
		return "Internet Explorer"
	default:
		return raw
	}
}

func deviceType(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return "tablet"
	case strings.Contains(lower, "mobile"):
		return "mobile"
	default:
		return "desktop"
	}
}
