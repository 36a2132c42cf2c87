package imageapi

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// ErrNoImage - 응답 텍스트에 이미지 URL 없음
var ErrNoImage = errors.New("no image found in model response")

var (
	markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\(\s*<?([^)\s>]+)`)
	dataURLPattern       = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
	httpURLPattern       = regexp.MustCompile(`https?://[^\s"'<>]+`)
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".gif"}

// ExtractImageURL - 모델 응답 텍스트에서 이미지 URL 추출
// 우선순위: markdown 이미지 > data URL > 이미지 확장자 http(s) URL > 아무 http(s) URL
func ExtractImageURL(text string) (string, error) {
	if m := markdownImagePattern.FindStringSubmatch(text); m != nil {
		if u := trimURL(m[1]); u != "" {
			return u, nil
		}
	}

	if m := dataURLPattern.FindString(text); m != "" {
		return m, nil
	}

	candidates := httpURLPattern.FindAllString(text, -1)
	for _, c := range candidates {
		if u := trimURL(c); hasImageExtension(u) {
			return u, nil
		}
	}
	for _, c := range candidates {
		if u := trimURL(c); u != "" {
			return u, nil
		}
	}

	return "", ErrNoImage
}

func trimURL(s string) string {
	return strings.TrimRight(s, `)]"'.,`)
}

func hasImageExtension(raw string) bool {
	path := raw
	if parsed, err := url.Parse(raw); err == nil {
		path = parsed.Path
	}
	path = strings.ToLower(path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
