package providers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

// IsDataURL reports whether s is a base64 data URL.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// EncodeDataURL renders data as a base64 data URL, sniffing the type when
// mimeType is empty.
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL splits a base64 data URL into its type and bytes.
func DecodeDataURL(s string) (string, []byte, error) {
	if !IsDataURL(s) {
		return "", nil, errors.New("not a data url")
	}
	header, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", nil, errors.New("malformed data url")
	}
	mimeType, _, _ := strings.Cut(header, ";")
	if !strings.HasSuffix(header, ";base64") {
		return "", nil, errors.New("data url is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, err
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return mimeType, data, nil
}
