package flowchart

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleChart() *RenderRequest {
	return &RenderRequest{
		Nodes: []Node{
			{ID: "start", Label: "Start", X: 0, Y: 0, Shape: ShapeEllipse},
			{ID: "check", Label: "Quota ok?", X: 0, Y: 120, Shape: ShapeDiamond},
			{ID: "gen", Label: "Generate & save", X: 240, Y: 120},
		},
		Edges: []Edge{
			{From: "start", To: "check"},
			{From: "check", To: "gen", Label: "yes"},
		},
	}
}

func TestNormalize_Defaults(t *testing.T) {
	req := sampleChart()
	require.NoError(t, req.Normalize())
	assert.Equal(t, FormatSVG, req.Format)
	assert.Equal(t, ShapeRect, req.Nodes[2].Shape)
	assert.Equal(t, float64(defaultNodeWidth), req.Nodes[2].Width)
	assert.Equal(t, float64(defaultNodeHeight), req.Nodes[2].Height)
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RenderRequest)
		want   string
	}{
		{"no nodes", func(r *RenderRequest) { r.Nodes = nil }, "at least one node"},
		{"duplicate id", func(r *RenderRequest) { r.Nodes[1].ID = "start" }, "duplicate node id"},
		{"empty id", func(r *RenderRequest) { r.Nodes[0].ID = " " }, "has no id"},
		{"unknown edge target", func(r *RenderRequest) { r.Edges[0].To = "nowhere" }, "unknown node"},
		{"self loop", func(r *RenderRequest) { r.Edges[0].To = "start" }, "to itself"},
		{"bad shape", func(r *RenderRequest) { r.Nodes[0].Shape = "hexagon" }, "unsupported shape"},
		{"bad format", func(r *RenderRequest) { r.Format = "gif" }, "unsupported format"},
		{"huge canvas", func(r *RenderRequest) { r.Nodes[2].X = 20000 }, "exceeds"},
		{"overflowing coordinate", func(r *RenderRequest) { r.Nodes[2].X = 1e19 }, "out-of-range"},
		{"negative overflow", func(r *RenderRequest) { r.Nodes[0].Y = -1e19 }, "out-of-range"},
		{"nan coordinate", func(r *RenderRequest) { r.Nodes[1].X = math.NaN() }, "out-of-range"},
		{"infinite width", func(r *RenderRequest) { r.Nodes[1].Width = math.Inf(1) }, "out-of-range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleChart()
			tt.mutate(req)
			err := req.Normalize()
			require.ErrorIs(t, err, ErrInvalidChart)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHandleRender_OverflowingCoordinateIsBadRequest(t *testing.T) {
	r := mux.NewRouter()
	NewHandler().RegisterRoutes(r)

	body := `{"format":"png","nodes":[{"id":"a","x":0,"y":0},{"id":"b","x":1e19,"y":0}]}`
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		r.ServeHTTP(rec, httptest.NewRequest("POST", "/api/flowchart/render", strings.NewReader(body)))
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEdgeSegment_StopsAtBoundary(t *testing.T) {
	a := Node{ID: "a", X: 0, Y: 0, Width: 100, Height: 50, Shape: ShapeRect}
	b := Node{ID: "b", X: 300, Y: 0, Width: 100, Height: 50, Shape: ShapeEllipse}

	seg, ok := edgeSegment(a, b, point{})
	require.True(t, ok)
	assert.InDelta(t, 100, seg.From.X, 1e-9)
	assert.InDelta(t, 300, seg.To.X, 1e-9)
	assert.InDelta(t, 25, seg.To.Y, 1e-9)

	overlapping := Node{ID: "c", X: 10, Y: 0, Width: 100, Height: 50, Shape: ShapeRect}
	_, ok = edgeSegment(a, overlapping, point{})
	assert.False(t, ok)
}

func TestArrowHead(t *testing.T) {
	head := arrowHead(segment{From: point{0, 0}, To: point{100, 0}})
	assert.Equal(t, point{100, 0}, head[0])
	assert.InDelta(t, 90, head[1].X, 1e-9)
	assert.InDelta(t, arrowWidth, math.Abs(head[1].Y), 1e-9)
}

func TestRenderSVG(t *testing.T) {
	req := sampleChart()
	require.NoError(t, req.Normalize())
	out := RenderSVG(req)

	// 올바른 XML인지 확인
	dec := xml.NewDecoder(bytes.NewReader(out))
	for {
		_, err := dec.Token()
		if err != nil {
			assert.Equal(t, "EOF", err.Error())
			break
		}
	}

	svg := string(out)
	assert.True(t, strings.HasPrefix(svg, `<svg xmlns="http://www.w3.org/2000/svg" width="480" height="260"`), svg)
	assert.Contains(t, svg, "<ellipse")
	assert.Equal(t, 2, strings.Count(svg, "<line"))
	assert.Contains(t, svg, "Generate &amp; save")
	assert.Contains(t, svg, ">yes</text>")
}

func TestRenderPNG(t *testing.T) {
	req := sampleChart()
	req.Format = FormatPNG
	require.NoError(t, req.Normalize())

	out, err := RenderPNG(req)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 480, img.Bounds().Dx())
	assert.Equal(t, 260, img.Bounds().Dy())

	// 캔버스 모서리는 흰 배경
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b})
	// 사각형 노드 내부는 채워져 있음
	r, g, b, _ = img.At(40+240+20, 40+120+30).RGBA()
	assert.NotEqual(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b})
}

func TestHandleRender(t *testing.T) {
	router := mux.NewRouter()
	NewHandler().RegisterRoutes(router)

	send := func(body interface{}) *httptest.ResponseRecorder {
		data, _ := json.Marshal(body)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/flowchart/render", bytes.NewReader(data)))
		return rec
	}

	rec := send(sampleChart())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))

	chart := sampleChart()
	chart.Format = "png"
	rec = send(chart)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	chart = sampleChart()
	chart.Edges = append(chart.Edges, Edge{From: "gen", To: "missing"})
	rec = send(chart)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_flowchart")
}
