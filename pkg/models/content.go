package models

import (
	"net/url"
	"strings"
)

// ContentKind tags what a message body holds: plain text or a media URL.
type ContentKind string

const (
	ContentText     ContentKind = "TEXT"
	ContentImage    ContentKind = "IMAGE"
	ContentVideo    ContentKind = "VIDEO"
	ContentAudio    ContentKind = "AUDIO"
	ContentDocument ContentKind = "DOCUMENT"
)

// MaxTextLength bounds text message bodies.
const MaxTextLength = 10000

// Content is the validated body of a message.
type Content struct {
	Kind ContentKind `json:"kind"`
	// Data is the text itself for TEXT, or the media URL otherwise.
	Data string `json:"data"`
}

// NewContent validates and constructs message content. Text must be
// non-blank and at most MaxTextLength characters; media kinds require a
// well-formed http(s) URL.
func NewContent(kind ContentKind, data string) (Content, error) {
	switch kind {
	case ContentText:
		if strings.TrimSpace(data) == "" {
			return Content{}, Validationf("text content cannot be blank")
		}
		if len([]rune(data)) > MaxTextLength {
			return Content{}, Validationf("text content exceeds %d characters", MaxTextLength)
		}
	case ContentImage, ContentVideo, ContentAudio, ContentDocument:
		u, err := url.Parse(data)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return Content{}, Validationf("media content requires an http(s) URL")
		}
	default:
		return Content{}, Validationf("unknown content kind %q", string(kind))
	}
	return Content{Kind: kind, Data: data}, nil
}

// IsMedia reports whether the content carries a media URL.
func (c Content) IsMedia() bool {
	return c.Kind != ContentText
}

// Preview returns a short form of the content suitable for notification
// payloads. Long text is truncated to 100 characters; media kinds yield a
// bracketed tag instead of the URL.
func (c Content) Preview() string {
	if c.IsMedia() {
		return "[" + strings.ToLower(string(c.Kind)) + "]"
	}
	r := []rune(c.Data)
	if len(r) > 100 {
		return string(r[:97]) + "..."
	}
	return c.Data
}
