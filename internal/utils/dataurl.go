package utils

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// DataURL is a decoded RFC 2397 data URL.
type DataURL struct {
	MediaType string
	Data      []byte
}

// ParseDataURL decodes a "data:<mediatype>[;base64],<payload>" string.
func ParseDataURL(raw string) (*DataURL, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("data url has no payload separator")
	}

	isBase64 := false
	mediaType := "text/plain"
	for i, part := range strings.Split(meta, ";") {
		switch {
		case i == 0 && part != "":
			mediaType = strings.ToLower(strings.TrimSpace(part))
		case part == "base64":
			isBase64 = true
		}
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Some encoders drop the padding.
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
			}
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unescape payload: %w", err)
		}
		data = []byte(unescaped)
	}

	return &DataURL{MediaType: mediaType, Data: data}, nil
}
