// Package augment post-processes rendered HTML before it reaches the
// transport: open/click tracking, unsubscribe footer, CSS inlining.
package augment

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type Augmenter struct {
	BaseURL         string
	TrackingEnabled bool
}

func New(baseURL string, trackingEnabled bool) *Augmenter {
	return &Augmenter{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		TrackingEnabled: trackingEnabled,
	}
}

// Augment applies the full pipeline to a rendered body. Tracking injection
// runs before CSS inlining so the inliner sees the final markup.
func (a *Augmenter) Augment(body, recipient, emailID string) string {
	if a.TrackingEnabled {
		body = a.addTrackingPixel(body, emailID)
		body = a.addClickTracking(body, emailID)
	}
	body = a.addUnsubscribeFooter(body, recipient)
	return InlineCSS(body)
}

// addTrackingPixel appends a 1x1 image before </body>, or at the end when the
// markup has no body tag.
func (a *Augmenter) addTrackingPixel(body, emailID string) string {
	pixel := fmt.Sprintf(`<img src="%s/api/email/track/open/%s" width="1" height="1" style="display:none;" alt="">`,
		a.BaseURL, emailID)
	if strings.Contains(body, "</body>") {
		return strings.Replace(body, "</body>", pixel+"</body>", 1)
	}
	return body + pixel
}

var hrefRe = regexp.MustCompile(`<a\s+href="([^"]+)"`)

// addClickTracking rewrites every anchor href through the click redirect,
// carrying the original URL as an encoded query parameter.
func (a *Augmenter) addClickTracking(body, emailID string) string {
	return hrefRe.ReplaceAllStringFunc(body, func(match string) string {
		original := hrefRe.FindStringSubmatch(match)[1]
		linkID := uuid.NewString()
		return fmt.Sprintf(`<a href="%s/api/email/track/click/%s/%s?url=%s"`,
			a.BaseURL, emailID, linkID, url.QueryEscape(original))
	})
}

// EncodeUnsubscribeToken encodes a recipient address as an opaque token. Not
// signed; the token round-trips the exact address string.
func EncodeUnsubscribeToken(email string) string {
	return base64.StdEncoding.EncodeToString([]byte(email))
}

// DecodeUnsubscribeToken recovers the address from a token.
func DecodeUnsubscribeToken(token string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("bad unsubscribe token: %w", err)
	}
	return string(b), nil
}

func (a *Augmenter) addUnsubscribeFooter(body, recipient string) string {
	unsubURL := fmt.Sprintf("%s/unsubscribe?token=%s", a.BaseURL, EncodeUnsubscribeToken(recipient))
	footer := fmt.Sprintf(`<div style="margin-top:30px;padding-top:20px;border-top:1px solid #eee;font-size:12px;color:#666;">`+
		`<p>If you no longer wish to receive these emails, you can <a href="%s">unsubscribe here</a>.</p></div>`, unsubURL)
	if strings.Contains(body, "</body>") {
		return strings.Replace(body, "</body>", footer+"</body>", 1)
	}
	return body + footer
}
