package flowchart

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Shapes
const (
	ShapeRect    = "rect"
	ShapeEllipse = "ellipse"
	ShapeDiamond = "diamond"
)

// Output formats
const (
	FormatSVG = "svg"
	FormatPNG = "png"
)

const (
	defaultNodeWidth  = 160
	defaultNodeHeight = 60
	maxNodeSize       = 2000
	maxNodes          = 200
	maxEdges          = 500
	canvasPadding     = 40
	maxCanvasSide     = 8192
	maxCoordinate     = 1e6
)

// ErrInvalidChart - 검증 실패 (메시지에 원인 포함)
var ErrInvalidChart = errors.New("invalid flowchart")

type Node struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Shape  string  `json:"shape,omitempty"`
}

type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// RenderRequest - POST /api/flowchart/render
type RenderRequest struct {
	Nodes  []Node `json:"nodes"`
	Edges  []Edge `json:"edges"`
	Format string `json:"format"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidChart, fmt.Sprintf(format, args...))
}

// Normalize - 기본값 적용 후 검증 (노드 ID 중복, 존재하지 않는 노드를 가리키는 엣지 거부)
func (req *RenderRequest) Normalize() error {
	req.Format = strings.ToLower(strings.TrimSpace(req.Format))
	if req.Format == "" {
		req.Format = FormatSVG
	}
	if req.Format != FormatSVG && req.Format != FormatPNG {
		return invalid("unsupported format %q", req.Format)
	}

	if len(req.Nodes) == 0 {
		return invalid("at least one node is required")
	}
	if len(req.Nodes) > maxNodes {
		return invalid("too many nodes (max %d)", maxNodes)
	}
	if len(req.Edges) > maxEdges {
		return invalid("too many edges (max %d)", maxEdges)
	}

	ids := make(map[string]bool, len(req.Nodes))
	for i := range req.Nodes {
		n := &req.Nodes[i]
		n.ID = strings.TrimSpace(n.ID)
		if n.ID == "" {
			return invalid("node %d has no id", i+1)
		}
		if ids[n.ID] {
			return invalid("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true

		if !finite(n.X, n.Y, n.Width, n.Height) || math.Abs(n.X) > maxCoordinate || math.Abs(n.Y) > maxCoordinate {
			return invalid("node %q has out-of-range coordinates", n.ID)
		}
		if n.Width <= 0 {
			n.Width = defaultNodeWidth
		}
		if n.Height <= 0 {
			n.Height = defaultNodeHeight
		}
		if n.Width > maxNodeSize || n.Height > maxNodeSize {
			return invalid("node %q is too large", n.ID)
		}

		switch n.Shape {
		case "":
			n.Shape = ShapeRect
		case ShapeRect, ShapeEllipse, ShapeDiamond:
		default:
			return invalid("node %q has unsupported shape %q", n.ID, n.Shape)
		}
	}

	for i, e := range req.Edges {
		if !ids[e.From] {
			return invalid("edge %d references unknown node %q", i+1, e.From)
		}
		if !ids[e.To] {
			return invalid("edge %d references unknown node %q", i+1, e.To)
		}
		if e.From == e.To {
			return invalid("edge %d connects node %q to itself", i+1, e.From)
		}
	}

	if _, w, h := layout(req.Nodes); w > maxCanvasSide || h > maxCanvasSide {
		return invalid("canvas %dx%d exceeds %dx%d", w, h, maxCanvasSide, maxCanvasSide)
	}
	return nil
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
