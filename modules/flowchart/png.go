package flowchart

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var labelColor = color.RGBA{R: 0x1E, G: 0x29, B: 0x3B, A: 0xFF}

// RenderPNG - 도형은 oksvg/rasterx로 래스터화, 라벨은 비트맵 폰트로 그림
// oksvg는 <text>를 지원하지 않으므로 라벨 없는 SVG를 래스터화
func RenderPNG(req *RenderRequest) ([]byte, error) {
	d := buildDiagram(req)

	icon, err := oksvg.ReadIconStream(bytes.NewReader(d.svg(false)), oksvg.IgnoreErrorMode)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SVG: %w", err)
	}
	icon.SetTarget(0, 0, float64(d.width), float64(d.height))

	dst := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(d.width, d.height, dst, dst.Bounds())
	dasher := rasterx.NewDasher(d.width, d.height, scanner)
	icon.Draw(dasher, 1.0)

	drawLabels(dst, d.labels)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func drawLabels(dst draw.Image, labels []label) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
	}
	ascent := face.Metrics().Ascent.Round()

	for _, l := range labels {
		w := drawer.MeasureString(l.Text).Round()
		x := int(l.At.X) - w/2
		y := int(l.At.Y) + ascent/2
		drawer.Dot = fixed.P(x, y)
		drawer.DrawString(l.Text)
	}
}
