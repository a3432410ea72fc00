// Package clientinfo extracts the network origin and a client agent descriptor
// from an incoming request.
package clientinfo

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/mssola/useragent"
)

const maxAgentLen = 256

// Info is the calling client as recorded in an audit fact header.
type Info struct {
	NetworkOrigin string
	ClientAgent   string
}

// FromContext returns the client address and agent descriptor for c. The
// address comes from the server's IPExtractor, so forwarding headers count
// only when the router trusts the sending proxy.
func FromContext(c echo.Context) Info {
	return Info{
		NetworkOrigin: c.RealIP(),
		ClientAgent:   Describe(c.Request().UserAgent()),
	}
}

// Describe turns a raw User-Agent header into a short descriptor such as
// "Chrome 120.0 on Windows 10 (desktop)". Unparseable agents are returned
// trimmed and truncated.
func Describe(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown"
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if ua.Bot() || name == "" {
		return truncate(raw)
	}

	kind := "desktop"
	if ua.Mobile() {
		kind = "mobile"
	}
	desc := name
	if version != "" {
		desc = fmt.Sprintf("%s %s", name, majorMinor(version))
	}
	if os := ua.OS(); os != "" {
		desc += " on " + os
	}
	return truncate(desc + " (" + kind + ")")
}

func majorMinor(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) >= 2 {
		return parts[0] + "." + parts[1]
	}
	return v
}

// truncate caps s at maxAgentLen bytes without splitting a rune. Invalid
// sequences are dropped since the store only accepts UTF-8 text.
func truncate(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxAgentLen {
		return s
	}
	cut := maxAgentLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
