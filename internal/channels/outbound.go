package channels

import (
	"regexp"
	"strings"

	"omniagent/pkg/models"
)

// MediaKind classifies an outbound attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"
	MediaDocument MediaKind = "document"
)

// MediaItem is one attachment referenced by URL.
type MediaItem struct {
	Kind MediaKind
	URL  string
}

// OutboundMessage is a platform-neutral send request.
type OutboundMessage struct {
	Channel   models.ChannelType
	Recipient string
	Text      string
	// ParseMode overrides the platform default; "plain" disables
	// formatting entirely.
	ParseMode string
	Media     []MediaItem
}

// mediaMarker matches inline media markers like [IMAGE:https://...] that
// the model emits inside reply text.
var mediaMarker = regexp.MustCompile(`\[(IMAGE|DOCUMENT|VIDEO|AUDIO|VOICE):([^\]\s]+)\]`)

var blankRuns = regexp.MustCompile(`\n{3,}`)

var markerKinds = map[string]MediaKind{
	"IMAGE":    MediaImage,
	"DOCUMENT": MediaDocument,
	"VIDEO":    MediaVideo,
	"AUDIO":    MediaAudio,
	"VOICE":    MediaVoice,
}

// ValidMediaURL reports whether a marker target is an http(s) URL or a
// local filesystem path.
func ValidMediaURL(url string) bool {
	return strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "https://") ||
		strings.HasPrefix(url, "/") ||
		strings.HasPrefix(url, "./") ||
		strings.HasPrefix(url, "~/")
}

// ExtractMedia strips inline media markers from text and returns the
// cleaned text plus the referenced media in order of appearance. Markers
// whose target fails ValidMediaURL are left in the text untouched.
func ExtractMedia(text string) (string, []MediaItem) {
	matches := mediaMarker.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	var media []MediaItem
	for _, m := range matches {
		if !ValidMediaURL(m[2]) {
			continue
		}
		media = append(media, MediaItem{Kind: markerKinds[m[1]], URL: m[2]})
	}
	cleaned := mediaMarker.ReplaceAllStringFunc(text, func(marker string) string {
		m := mediaMarker.FindStringSubmatch(marker)
		if !ValidMediaURL(m[2]) {
			return marker
		}
		return ""
	})
	cleaned = strings.TrimSpace(blankRuns.ReplaceAllString(cleaned, "\n\n"))
	return cleaned, media
}
