// fingerprint.go derives a stable identity for an error so that repeat
// occurrences of "the same" error collapse to one fingerprint even when
// their messages embed dynamic data.

package faultline

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// Normalization patterns, applied in order. More specific shapes run
// before the bare-number pass so a UUID is not shredded into four
// <num> fragments.
var (
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	urlPattern       = regexp.MustCompile(`https?://[^\s"']+`)
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?Z?`)
	addressPattern   = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	pathPattern      = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.\-]+){2,}`)
	numberPattern    = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// Stack frames belonging to bundler, vendor, or runtime internals carry
// no grouping signal and are skipped when picking the anchor frame.
var vendorFramePatterns = []string{
	"node_modules",
	"webpack",
	"vite/",
	"vendor/",
	"runtime.",
	"runtime/debug",
	"reflect.",
	"faultline-go/pkg/faultline",
}

var frameNamePattern = regexp.MustCompile(`^([\w./\-]+\.[\w]+)`)

// ComputeFingerprint builds the composite identity key for an error:
// its type name, the normalized message, and the first meaningful stack
// frame, hashed to a fixed-width hex string. A FingerprintFunc configured
// on the Tracker replaces this entire procedure.
func ComputeFingerprint(errType, message, stack string) string {
	parts := []string{
		errType,
		NormalizeMessage(message),
		firstMeaningfulFrame(stack),
	}
	sum := blake3.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}

// NormalizeMessage replaces dynamic fragments (numbers, UUIDs, URLs,
// file paths, timestamps, memory addresses) with placeholder tokens so
// structurally identical messages compare equal.
func NormalizeMessage(msg string) string {
	out := uuidPattern.ReplaceAllString(msg, "<uuid>")
	out = urlPattern.ReplaceAllString(out, "<url>")
	out = timestampPattern.ReplaceAllString(out, "<timestamp>")
	out = addressPattern.ReplaceAllString(out, "<addr>")
	out = pathPattern.ReplaceAllString(out, "<path>")
	out = numberPattern.ReplaceAllString(out, "<num>")
	return out
}

// firstMeaningfulFrame returns the first stack frame that does not belong
// to bundler/vendor/runtime internals, reduced to its function name with
// addresses and arguments stripped. Empty when no frame qualifies.
func firstMeaningfulFrame(stack string) string {
	if stack == "" {
		return ""
	}

	for _, raw := range strings.Split(stack, "\n") {
		// File/location lines (tab-indented in Go traces, or bare
		// paths) are not frames.
		if strings.HasPrefix(raw, "\t") {
			continue
		}
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "goroutine ") || strings.HasPrefix(line, "/") {
			continue
		}
		if isVendorFrame(line) {
			continue
		}

		frame := addressPattern.ReplaceAllString(line, "")
		if idx := strings.Index(frame, "("); idx > 0 {
			frame = frame[:idx]
		}
		frame = strings.TrimSpace(strings.TrimSuffix(frame, "+"))
		if match := frameNamePattern.FindString(frame); match != "" {
			return match
		}
	}
	return ""
}

func isVendorFrame(line string) bool {
	for _, p := range vendorFramePatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}
