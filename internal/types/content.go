package types

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ContentType is a best-effort classification of an observed payload.
type ContentType string

const (
	ContentUnknown  ContentType = "unknown"
	ContentText     ContentType = "text"
	ContentURL      ContentType = "url"
	ContentHTML     ContentType = "html"
	ContentImage    ContentType = "image"
	ContentFilePath ContentType = "filepath"
)

// DetectContentType classifies raw clipboard data. The classification is
// metadata only; the payload itself stays opaque to the framework.
func DetectContentType(data []byte) ContentType {
	if len(data) == 0 {
		return ContentUnknown
	}

	// Binary image signatures first, before any string handling.
	if bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G'}) ||
		bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) ||
		bytes.HasPrefix(data, []byte("GIF8")) {
		return ContentImage
	}

	if !utf8.Valid(data) {
		return ContentUnknown
	}

	s := strings.TrimSpace(string(data))
	if s == "" {
		return ContentText
	}

	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		if _, err := url.ParseRequestURI(s); err == nil {
			return ContentURL
		}
	}

	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html") {
		return ContentHTML
	}

	if looksLikePath(s) {
		return ContentFilePath
	}

	return ContentText
}

// looksLikePath matches single-line absolute paths in either POSIX or
// Windows form.
func looksLikePath(s string) bool {
	if strings.ContainsAny(s, "\n\r") {
		return false
	}
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "~/") {
		return true
	}
	if len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/') {
		return true
	}
	return false
}
