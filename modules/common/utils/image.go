package utils

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // GIF 디코더 등록
	"image/jpeg"
	"image/png"
	"log"
	"net/http"
	"strings"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // WebP 디코더 등록
)

const (
	// MaxDimension - 압축 시 긴 변 최대 픽셀
	MaxDimension = 2048

	startQuality   = 92
	minQuality     = 42
	qualityStep    = 10
	scaleFactor    = 0.75
	maxScaleRounds = 4
)

var (
	// ErrInvalidDataURL - data URL/base64 파싱 실패
	ErrInvalidDataURL = errors.New("invalid image data")
	// ErrUnsupportedImage - 디코딩할 수 없는 (이미지가 아닌) 데이터
	ErrUnsupportedImage = errors.New("unsupported image format")
)

// ParseDataURL - "data:image/png;base64,..." 또는 순수 base64 문자열을 디코딩
func ParseDataURL(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", ErrInvalidDataURL
	}

	payload := s
	mime := ""
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", ErrInvalidDataURL
		}
		meta := s[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("%w: only base64 data URLs are supported", ErrInvalidDataURL)
		}
		mime = strings.TrimSuffix(meta, ";base64")
		payload = s[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// 패딩 없는 base64 허용
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
		}
	}

	if mime == "" {
		mime = DetectMIME(data)
	}
	return data, mime, nil
}

// ToDataURL - 바이너리를 data URL로 변환
func ToDataURL(data []byte, mime string) string {
	if mime == "" {
		mime = DetectMIME(data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DetectMIME - 매직 바이트 기반 MIME 판별
func DetectMIME(data []byte) string {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}
	return http.DetectContentType(data)
}

// CompressImage - 업로드 전 이미지 압축
// 디코딩 가능한 이미지만 허용. maxBytes 이하이면 그대로 반환, 아니면 긴 변 2048px 제한 후
// JPEG 품질을 단계적으로 낮추고 그래도 크면 0.75배 축소를 반복 (최대 4회). 가장 작은 결과 반환.
func CompressImage(data []byte, maxBytes int) ([]byte, string, error) {
	if maxBytes <= 0 || len(data) <= maxBytes {
		format, err := imageFormat(data)
		if err != nil {
			return nil, "", err
		}
		return data, "image/" + format, nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	current := Flatten(FitWithin(img, MaxDimension))

	var best []byte
	for round := 0; round < maxScaleRounds; round++ {
		for quality := startQuality; quality >= minQuality; quality -= qualityStep {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, current, &jpeg.Options{Quality: quality}); err != nil {
				return nil, "", fmt.Errorf("failed to encode JPEG: %w", err)
			}

			if best == nil || buf.Len() < len(best) {
				best = buf.Bytes()
			}
			if buf.Len() <= maxBytes {
				log.Printf("🗜️  Compressed %s image: %d → %d bytes (quality %d, %dx%d)",
					format, len(data), buf.Len(), quality, current.Bounds().Dx(), current.Bounds().Dy())
				return buf.Bytes(), "image/jpeg", nil
			}
		}

		b := current.Bounds()
		w := int(float64(b.Dx()) * scaleFactor)
		h := int(float64(b.Dy()) * scaleFactor)
		if w < 1 || h < 1 {
			break
		}
		current = Resize(current, w, h)
	}

	log.Printf("⚠️  Could not reach %d bytes, returning smallest result (%d bytes)", maxBytes, len(best))
	return best, "image/jpeg", nil
}

// imageFormat - 헤더만 디코딩해서 등록된 이미지 포맷 확인
func imageFormat(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return format, nil
}

// CompressPNG - 알파 채널을 유지한 채 압축 (인페인트용 투명 영역 보존)
// PNG 최고 압축으로 인코딩하고 maxBytes를 넘으면 0.75배 축소 반복 (최대 4회).
func CompressPNG(data []byte, maxBytes int) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if format == "png" && (maxBytes <= 0 || len(data) <= maxBytes) {
		return data, nil
	}

	enc := png.Encoder{CompressionLevel: png.BestCompression}
	current := FitWithin(img, MaxDimension)

	var best []byte
	for round := 0; round <= maxScaleRounds; round++ {
		var buf bytes.Buffer
		if err := enc.Encode(&buf, current); err != nil {
			return nil, fmt.Errorf("failed to encode PNG: %w", err)
		}
		if best == nil || buf.Len() < len(best) {
			best = buf.Bytes()
		}
		if maxBytes <= 0 || buf.Len() <= maxBytes {
			log.Printf("🗜️  Compressed PNG: %d → %d bytes (%dx%d)", len(data), buf.Len(), current.Bounds().Dx(), current.Bounds().Dy())
			return buf.Bytes(), nil
		}

		b := current.Bounds()
		w := int(float64(b.Dx()) * scaleFactor)
		h := int(float64(b.Dy()) * scaleFactor)
		if w < 1 || h < 1 {
			break
		}
		current = Resize(current, w, h)
	}

	log.Printf("⚠️  Could not reach %d bytes for PNG, returning smallest result (%d bytes)", maxBytes, len(best))
	return best, nil
}

// FitWithin - 긴 변이 maxSide를 넘으면 비율 유지하며 축소
func FitWithin(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return img
	}

	if w >= h {
		h = h * maxSide / w
		w = maxSide
	} else {
		w = w * maxSide / h
		h = maxSide
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return Resize(img, w, h)
}

// Resize - CatmullRom 보간으로 지정 크기 변환
func Resize(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// Flatten - 투명 영역을 흰 배경으로 합성 (JPEG 인코딩용)
func Flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, xdraw.Src)
	xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Over)
	return dst
}

// ApplyMask - 인페인트 마스크(흰색=수정, 검은색=유지)를 알파 채널로 적용한 PNG 생성
// 수정 영역은 투명, 유지 영역은 불투명
func ApplyMask(imageData, maskData []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	mask, _, err := image.Decode(bytes.NewReader(maskData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	scaledMask := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(scaledMask, scaledMask.Bounds(), mask, mask.Bounds(), xdraw.Src, nil)

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 255 - scaledMask.GrayAt(x, y).Y
			out.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("failed to encode masked image: %w", err)
	}
	return buf.Bytes(), nil
}

// ConvertToWebP - 이미지를 WebP로 변환 (갤러리 저장용)
func ConvertToWebP(data []byte, quality float32) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebP encoder options: %w", err)
	}

	var webpBuffer bytes.Buffer
	if err := webp.Encode(&webpBuffer, img, options); err != nil {
		return nil, fmt.Errorf("failed to encode WebP: %w", err)
	}

	log.Printf("✅ Image converted to WebP: %d bytes → %d bytes", len(data), webpBuffer.Len())
	return webpBuffer.Bytes(), nil
}
