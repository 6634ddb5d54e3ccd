package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Fingerprints deduplicate findings: the same failure observed twice must
// hash identically even when the error text carries volatile fields
// (timestamps, request ids, addresses). Normalization strips those before
// hashing.

var (
	timestampPattern  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	uuidPattern       = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexAddrPattern    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	numericIDPattern  = regexp.MustCompile(`\bid:\s*\d{4,}`)
	pathLinePattern   = regexp.MustCompile(`[\w./\\-]+\.\w+:\d+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

const (
	noStatus = "NO_STATUS"
	noError  = "NO_ERROR"
)

// Generate computes the stable 64-hex-char fingerprint for a URL plus an
// optional HTTP status and error string. Equal inputs produce equal
// digests after normalization.
func Generate(rawURL string, status int, errMsg string) string {
	normalizedURL := NormalizeURL(rawURL)

	statusPart := noStatus
	if status > 0 {
		statusPart = strconv.Itoa(status)
	}

	errorPart := noError
	if errMsg != "" {
		errorPart = NormalizeError(errMsg)
	}

	return digest(normalizedURL, statusPart, errorPart)
}

// GenerateTimeout fingerprints a timeout against a URL
func GenerateTimeout(rawURL string) string {
	return digest(NormalizeURL(rawURL), noStatus, "TIMEOUT")
}

// GenerateNetworkError fingerprints a network-level failure against a URL
func GenerateNetworkError(rawURL string) string {
	return digest(NormalizeURL(rawURL), noStatus, "NETWORK_ERROR")
}

// GenerateLatency fingerprints a slow response. Latencies are bucketed to
// 100 ms so minor variance maps to one fingerprint.
func GenerateLatency(rawURL string, latencyMs int64) string {
	bucket := (latencyMs / 100) * 100
	return digest(NormalizeURL(rawURL), noStatus, fmt.Sprintf("LATENCY_%dms", bucket))
}

// GenerateHTTPStatus fingerprints an HTTP error status against a URL
func GenerateHTTPStatus(rawURL string, status int) string {
	return digest(NormalizeURL(rawURL), strconv.Itoa(status), fmt.Sprintf("HTTP_%d", status))
}

// NormalizeURL reduces a URL to scheme + lowercased host + path, dropping
// query, fragment, and a single trailing slash (unless the path is empty).
// Unparseable URLs are used as-is so they still fingerprint consistently.
func NormalizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return strings.TrimSpace(rawURL)
	}

	path := parsed.Path
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}

	return fmt.Sprintf("%s://%s%s", parsed.Scheme, strings.ToLower(parsed.Host), path)
}

// NormalizeError substitutes placeholders for volatile tokens in an error
// string: ISO-8601 timestamps, UUIDs, hex addresses, long numeric ids,
// path:line references. Whitespace is collapsed.
func NormalizeError(errMsg string) string {
	s := timestampPattern.ReplaceAllString(errMsg, "<TIMESTAMP>")
	s = uuidPattern.ReplaceAllString(s, "<UUID>")
	s = hexAddrPattern.ReplaceAllString(s, "<ADDR>")
	s = numericIDPattern.ReplaceAllString(s, "id: <ID>")
	s = pathLinePattern.ReplaceAllString(s, "<PATH:LINE>")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func digest(normalizedURL, statusPart, errorPart string) string {
	sum := sha256.Sum256([]byte(normalizedURL + "::" + statusPart + "::" + errorPart))
	return hex.EncodeToString(sum[:])
}
