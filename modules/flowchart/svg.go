package flowchart

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strings"
)

const (
	nodeFill    = "#EEF2FF"
	nodeStroke  = "#4F46E5"
	edgeStroke  = "#64748B"
	textColor   = "#1E293B"
	arrowLength = 10.0
	arrowWidth  = 5.0
)

// point - 캔버스 좌표
type point struct{ X, Y float64 }

// layout - 모든 노드를 담는 캔버스 크기와 좌표 오프셋
func layout(nodes []Node) (offset point, width, height int) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, n := range nodes {
		minX = math.Min(minX, n.X)
		minY = math.Min(minY, n.Y)
		maxX = math.Max(maxX, n.X+n.Width)
		maxY = math.Max(maxY, n.Y+n.Height)
	}
	offset = point{X: canvasPadding - minX, Y: canvasPadding - minY}
	width = int(math.Ceil(maxX-minX)) + 2*canvasPadding
	height = int(math.Ceil(maxY-minY)) + 2*canvasPadding
	return offset, width, height
}

func center(n Node, offset point) point {
	return point{X: n.X + offset.X + n.Width/2, Y: n.Y + offset.Y + n.Height/2}
}

// boundaryScale - 중심에서 (dx,dy) 방향으로 도형 경계까지의 배율
func boundaryScale(n Node, dx, dy float64) float64 {
	hw, hh := n.Width/2, n.Height/2
	ax, ay := math.Abs(dx), math.Abs(dy)
	switch n.Shape {
	case ShapeEllipse:
		return 1 / math.Sqrt((dx*dx)/(hw*hw)+(dy*dy)/(hh*hh))
	case ShapeDiamond:
		return 1 / (ax/hw + ay/hh)
	default:
		t := math.Inf(1)
		if ax > 0 {
			t = hw / ax
		}
		if ay > 0 {
			t = math.Min(t, hh/ay)
		}
		return t
	}
}

// segment - 두 노드 경계 사이 직선 (겹친 노드면 ok=false)
type segment struct {
	From, To point
}

func edgeSegment(from, to Node, offset point) (segment, bool) {
	c1, c2 := center(from, offset), center(to, offset)
	dx, dy := c2.X-c1.X, c2.Y-c1.Y
	if dx == 0 && dy == 0 {
		return segment{}, false
	}
	t1 := boundaryScale(from, dx, dy)
	t2 := boundaryScale(to, -dx, -dy)
	if t1+t2 >= 1 {
		return segment{}, false
	}
	return segment{
		From: point{X: c1.X + dx*t1, Y: c1.Y + dy*t1},
		To:   point{X: c2.X - dx*t2, Y: c2.Y - dy*t2},
	}, true
}

// arrowHead - 끝점을 꼭짓점으로 하는 삼각형
func arrowHead(s segment) [3]point {
	dx, dy := s.To.X-s.From.X, s.To.Y-s.From.Y
	length := math.Hypot(dx, dy)
	ux, uy := dx/length, dy/length
	bx, by := s.To.X-ux*arrowLength, s.To.Y-uy*arrowLength
	return [3]point{
		s.To,
		{X: bx - uy*arrowWidth, Y: by + ux*arrowWidth},
		{X: bx + uy*arrowWidth, Y: by - ux*arrowWidth},
	}
}

// label - 그릴 텍스트와 중심 좌표
type label struct {
	Text string
	At   point
}

// diagram - 정규화된 요청에서 계산된 도형 배치
type diagram struct {
	width, height int
	offset        point
	nodes         []Node
	edges         []segment
	labels        []label
}

func buildDiagram(req *RenderRequest) *diagram {
	offset, width, height := layout(req.Nodes)
	d := &diagram{width: width, height: height, offset: offset, nodes: req.Nodes}

	byID := make(map[string]Node, len(req.Nodes))
	for _, n := range req.Nodes {
		byID[n.ID] = n
		if n.Label != "" {
			d.labels = append(d.labels, label{Text: n.Label, At: center(n, offset)})
		}
	}

	for _, e := range req.Edges {
		seg, ok := edgeSegment(byID[e.From], byID[e.To], offset)
		if !ok {
			continue
		}
		d.edges = append(d.edges, seg)
		if e.Label != "" {
			mid := point{X: (seg.From.X + seg.To.X) / 2, Y: (seg.From.Y+seg.To.Y)/2 - 8}
			d.labels = append(d.labels, label{Text: e.Label, At: mid})
		}
	}
	return d
}

// RenderSVG - 노드/엣지를 SVG 문서로 변환
func RenderSVG(req *RenderRequest) []byte {
	return buildDiagram(req).svg(true)
}

func (d *diagram) svg(withLabels bool) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		d.width, d.height, d.width, d.height)
	fmt.Fprintf(&b, `<rect x="0" y="0" width="%d" height="%d" fill="#FFFFFF"/>`, d.width, d.height)

	for _, s := range d.edges {
		fmt.Fprintf(&b, `<line x1="%s" y1="%s" x2="%s" y2="%s" stroke="%s" stroke-width="2"/>`,
			num(s.From.X), num(s.From.Y), num(s.To.X), num(s.To.Y), edgeStroke)
		head := arrowHead(s)
		fmt.Fprintf(&b, `<polygon points="%s" fill="%s"/>`, points(head[:]), edgeStroke)
	}

	for _, n := range d.nodes {
		x, y := n.X+d.offset.X, n.Y+d.offset.Y
		switch n.Shape {
		case ShapeEllipse:
			c := center(n, d.offset)
			fmt.Fprintf(&b, `<ellipse cx="%s" cy="%s" rx="%s" ry="%s" fill="%s" stroke="%s" stroke-width="2"/>`,
				num(c.X), num(c.Y), num(n.Width/2), num(n.Height/2), nodeFill, nodeStroke)
		case ShapeDiamond:
			c := center(n, d.offset)
			fmt.Fprintf(&b, `<polygon points="%s" fill="%s" stroke="%s" stroke-width="2"/>`,
				points([]point{{c.X, y}, {x + n.Width, c.Y}, {c.X, y + n.Height}, {x, c.Y}}), nodeFill, nodeStroke)
		default:
			fmt.Fprintf(&b, `<rect x="%s" y="%s" width="%s" height="%s" rx="8" ry="8" fill="%s" stroke="%s" stroke-width="2"/>`,
				num(x), num(y), num(n.Width), num(n.Height), nodeFill, nodeStroke)
		}
	}

	if withLabels {
		for _, l := range d.labels {
			fmt.Fprintf(&b, `<text x="%s" y="%s" text-anchor="middle" dominant-baseline="middle" font-family="sans-serif" font-size="14" fill="%s">`,
				num(l.At.X), num(l.At.Y), textColor)
			_ = xml.EscapeText(&b, []byte(l.Text))
			b.WriteString(`</text>`)
		}
	}

	b.WriteString(`</svg>`)
	return b.Bytes()
}

func num(v float64) string {
	return fmt.Sprintf("%.1f", v)
}

func points(ps []point) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = num(p.X) + "," + num(p.Y)
	}
	return strings.Join(parts, " ")
}
