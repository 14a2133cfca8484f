// Package fingerprint derives device, browser and OS tags for a visitor from
// the signals a page can observe about its environment.
//
// The browser and OS classifications are substring sniffing in a fixed
// priority order. Downstream breakdowns depend on the exact boundaries, so
// the order is part of the contract: a modern Edge or Opera user agent also
// contains "Chrome" and is therefore classified as Chrome.
package fingerprint

import (
	"regexp"
	"strings"

	"github.com/mssola/useragent"
)

// Device is the viewport-derived device category.
type Device string

const (
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
	DeviceDesktop Device = "desktop"
)

// Browser is the browser family tag.
type Browser string

const (
	BrowserChrome  Browser = "Chrome"
	BrowserFirefox Browser = "Firefox"
	BrowserSafari  Browser = "Safari"
	BrowserEdge    Browser = "Edge"
	BrowserUnknown Browser = "Unknown"
)

// OS is the operating system family tag.
type OS string

const (
	OSWindows OS = "Windows"
	OSMacOS   OS = "macOS"
	OSLinux   OS = "Linux"
	OSAndroid OS = "Android"
	OSIOS     OS = "iOS"
	OSUnknown OS = "Unknown"
)

const (
	mobileMaxWidth = 768
	tabletMaxWidth = 1024
)

// browserOrder is evaluated top to bottom; first substring match wins.
var browserOrder = []struct {
	token   string
	browser Browser
}{
	{"Chrome", BrowserChrome},
	{"Firefox", BrowserFirefox},
	{"Safari", BrowserSafari},
	{"Edge", BrowserEdge},
}

// platformOrder is checked before any user-agent fallback.
var platformOrder = []struct {
	token string
	os    OS
}{
	{"Win", OSWindows},
	{"Mac", OSMacOS},
	{"Linux", OSLinux},
}

var (
	androidRe = regexp.MustCompile(`Android`)
	iosRe     = regexp.MustCompile(`iPhone|iPad`)
)

// Fingerprint bundles the three classifications for one page load.
type Fingerprint struct {
	Device  Device
	Browser Browser
	OS      OS
}

// ClassifyDevice maps a viewport width in CSS pixels to a device category.
// Thresholds are inclusive on the smaller category.
func ClassifyDevice(viewportWidth int) Device {
	if viewportWidth <= mobileMaxWidth {
		return DeviceMobile
	}
	if viewportWidth <= tabletMaxWidth {
		return DeviceTablet
	}
	return DeviceDesktop
}

// ClassifyBrowser returns the first browser whose token appears in ua.
func ClassifyBrowser(ua string) Browser {
	for _, b := range browserOrder {
		if strings.Contains(ua, b.token) {
			return b.browser
		}
	}
	return BrowserUnknown
}

// ClassifyOS prefers the platform string and falls back to the user agent
// for mobile systems whose platform string is not informative.
func ClassifyOS(platform, ua string) OS {
	for _, p := range platformOrder {
		if strings.Contains(platform, p.token) {
			return p.os
		}
	}
	if androidRe.MatchString(ua) {
		return OSAndroid
	}
	if iosRe.MatchString(ua) {
		return OSIOS
	}
	return OSUnknown
}

// Resolve classifies all three attributes at once.
func Resolve(viewportWidth int, platform, ua string) Fingerprint {
	return Fingerprint{
		Device:  ClassifyDevice(viewportWidth),
		Browser: ClassifyBrowser(ua),
		OS:      ClassifyOS(platform, ua),
	}
}

// Details is a richer parse of a user agent. It is informational only and
// never feeds the tags above.
type Details struct {
	BrowserName    string
	BrowserVersion string
	OSName         string
	Mobile         bool
	IsBot          bool
}

// botTokens catches crawlers the parser does not flag on its own.
var botTokens = []string{"bot", "crawler", "spider", "crawl", "slurp", "archiver", "headless"}

// Inspect parses ua with mssola/useragent.
func Inspect(ua string) Details {
	if ua == "" {
		return Details{}
	}
	parsed := useragent.New(ua)
	name, version := parsed.Browser()
	d := Details{
		BrowserName:    name,
		BrowserVersion: version,
		OSName:         parsed.OS(),
		Mobile:         parsed.Mobile(),
		IsBot:          parsed.Bot(),
	}
	if !d.IsBot {
		lower := strings.ToLower(ua)
		for _, tok := range botTokens {
			if strings.Contains(lower, tok) {
				d.IsBot = true
				break
			}
		}
	}
	return d
}
