package utils

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func noiseImage(w, h int) *image.NRGBA {
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	return img
}

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestParseDataURL(t *testing.T) {
	pngData := encodePNG(t, solidImage(2, 2, color.White))

	t.Run("data url", func(t *testing.T) {
		data, mime, err := ParseDataURL(ToDataURL(pngData, "image/png"))
		require.NoError(t, err)
		assert.Equal(t, "image/png", mime)
		assert.Equal(t, pngData, data)
	})

	t.Run("plain base64 detects mime", func(t *testing.T) {
		url := ToDataURL(pngData, "")
		raw := url[len("data:image/png;base64,"):]
		data, mime, err := ParseDataURL(raw)
		require.NoError(t, err)
		assert.Equal(t, "image/png", mime)
		assert.Equal(t, pngData, data)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, input := range []string{"", "data:image/png;base64", "data:text/plain,hello", "%%%not-base64%%%"} {
			_, _, err := ParseDataURL(input)
			assert.ErrorIs(t, err, ErrInvalidDataURL, input)
		}
	})
}

func TestDetectMIME(t *testing.T) {
	assert.Equal(t, "image/png", DetectMIME(encodePNG(t, solidImage(1, 1, color.Black))))
	assert.Equal(t, "image/webp", DetectMIME([]byte("RIFF\x00\x00\x00\x00WEBPVP8 ")))
}

func TestCompressImage_SmallImageUnchanged(t *testing.T) {
	data := encodePNG(t, solidImage(8, 8, color.White))

	out, mime, err := CompressImage(data, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, "image/png", mime)
}

func TestCompressImage_ShrinksLargeImage(t *testing.T) {
	data := encodePNG(t, noiseImage(512, 512))
	budget := len(data) / 4

	out, mime, err := CompressImage(data, budget)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)
	assert.Less(t, len(out), len(data))

	_, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestCompressImage_CapsLongestSide(t *testing.T) {
	data := encodePNG(t, solidImage(3000, 200, color.RGBA{R: 200, G: 10, B: 10, A: 255}))

	// 도달 불가능한 목표: 가장 작은 결과 반환
	out, _, err := CompressImage(data, 1)
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, MaxDimension)
	assert.Less(t, cfg.Height, 200)
}

func TestFlatten_TransparentBecomesWhite(t *testing.T) {
	flat := Flatten(solidImage(2, 2, color.NRGBA{}))
	r, g, b, a := flat.At(0, 0).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff, 0xffff}, []uint32{r, g, b, a})
}

func TestApplyMask(t *testing.T) {
	img := encodePNG(t, solidImage(4, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 255}))

	// 왼쪽 절반 흰색(수정), 오른쪽 절반 검은색(유지)
	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 2; x++ {
			mask.SetGray(x, y, color.Gray{Y: 255})
		}
	}

	out, err := ApplyMask(img, encodePNG(t, mask))
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	edit := color.NRGBAModel.Convert(decoded.At(0, 1)).(color.NRGBA)
	keep := color.NRGBAModel.Convert(decoded.At(3, 1)).(color.NRGBA)
	assert.Equal(t, uint8(0), edit.A)
	assert.Equal(t, uint8(255), keep.A)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, keep)
}

func TestApplyMask_InvalidInput(t *testing.T) {
	img := encodePNG(t, solidImage(2, 2, color.White))
	_, err := ApplyMask([]byte("nope"), img)
	assert.Error(t, err)
	_, err = ApplyMask(img, []byte("nope"))
	assert.Error(t, err)
}

func TestCompressImage_RejectsNonImage(t *testing.T) {
	body := []byte(`{"Code":"Success","AccessKeyId":"ASIA...","Token":"secret"}`)

	_, _, err := CompressImage(body, 1<<20)
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	_, _, err = CompressImage(bytes.Repeat(body, 100), 64)
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestCompressPNG_KeepsTransparencyWhenShrinking(t *testing.T) {
	img := noiseImage(400, 400)
	for y := 0; y < 400; y++ {
		for x := 0; x < 200; x++ {
			img.Pix[img.PixOffset(x, y)+3] = 0
		}
		for x := 200; x < 400; x++ {
			img.Pix[img.PixOffset(x, y)+3] = 255
		}
	}
	data := encodePNG(t, img)
	budget := len(data) / 4

	out, err := CompressPNG(data, budget)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), budget)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Less(t, decoded.Bounds().Dx(), 400)

	_, _, _, a := decoded.At(4, 4).RGBA()
	assert.Equal(t, uint32(0), a)
	_, _, _, a = decoded.At(decoded.Bounds().Dx()-4, 4).RGBA()
	assert.Greater(t, a, uint32(0xf000))
}

func TestCompressPNG_SmallPNGUnchanged(t *testing.T) {
	data := encodePNG(t, solidImage(4, 4, color.NRGBA{A: 0}))
	out, err := CompressPNG(data, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = CompressPNG([]byte("not an image"), 10)
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}
