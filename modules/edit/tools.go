package edit

import (
	"errors"
	"fmt"
	"strings"

	"imagine-engine-server/modules/common/fallback"
)

// Tool IDs
const (
	ToolRemoveBackground = "remove-bg"
	ToolUpscale          = "upscale"
	ToolStyleTransfer    = "style-transfer"
	ToolIDPhoto          = "id-photo"
	ToolEnhance          = "enhance"
	ToolInpaint          = "inpaint"
	ToolIcon             = "icon"
)

var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrImageRequired  = errors.New("image is required")
	ErrMaskRequired   = errors.New("mask is required")
	ErrPromptRequired = errors.New("prompt is required")
	ErrInvalidOption  = errors.New("invalid tool option")
)

// Tool - 편집 도구 정의
type Tool struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	NameZh        string              `json:"name_zh"`
	RequiresImage bool                `json:"requiresImage"`
	RequiresMask  bool                `json:"requiresMask"`
	RequiresText  bool                `json:"requiresPrompt"`
	Options       map[string][]string `json:"options,omitempty"`
}

var tools = []Tool{
	{ID: ToolRemoveBackground, Name: "Remove Background", NameZh: "智能抠图", RequiresImage: true},
	{ID: ToolUpscale, Name: "Upscale", NameZh: "无损放大", RequiresImage: true, Options: map[string][]string{"scale": {"2", "4"}}},
	{ID: ToolStyleTransfer, Name: "Style Transfer", NameZh: "风格迁移", RequiresImage: true, Options: map[string][]string{"style": {}}},
	{ID: ToolIDPhoto, Name: "ID Photo", NameZh: "证件照", RequiresImage: true, Options: map[string][]string{
		"background": {"white", "blue", "red"},
		"size":       {"1inch", "2inch"},
	}},
	{ID: ToolEnhance, Name: "Enhance", NameZh: "画质增强", RequiresImage: true},
	{ID: ToolInpaint, Name: "Inpaint", NameZh: "局部重绘", RequiresImage: true, RequiresMask: true},
	{ID: ToolIcon, Name: "Icon Generator", NameZh: "图标生成", RequiresText: true},
}

var toolIndex = func() map[string]Tool {
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		m[t.ID] = t
	}
	return m
}()

// Tools - 전체 도구 목록
func Tools() []Tool {
	return tools
}

// LookupTool - ID로 도구 조회
func LookupTool(id string) (Tool, error) {
	t, ok := toolIndex[id]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	return t, nil
}

var idPhotoBackgrounds = map[string]string{
	"white": "pure white (#FFFFFF)",
	"blue":  "standard ID blue (#438EDB)",
	"red":   "standard ID red (#D9001B)",
}

var idPhotoSizes = map[string]string{
	"1inch": "1 inch (295x413 px)",
	"2inch": "2 inch (413x579 px)",
}

// Instruction - 도구별 고정 지시문 + 사용자 프롬프트, 권장 비율
func Instruction(tool Tool, userPrompt string, options map[string]interface{}, hasReference bool) (string, string, error) {
	var base string
	aspectRatio := ""

	switch tool.ID {
	case ToolRemoveBackground:
		base = "Remove the background of this image completely. Keep the main subject intact with clean, precise edges and place it on a transparent or pure white background. Do not alter the subject."

	case ToolUpscale:
		scale := fallback.SafeInt(options["scale"], 2)
		if scale != 2 && scale != 4 {
			return "", "", fmt.Errorf("%w: scale must be 2 or 4", ErrInvalidOption)
		}
		base = fmt.Sprintf("Upscale this image by %dx. Increase resolution and restore fine detail and sharp edges without changing composition, colors or content.", scale)

	case ToolStyleTransfer:
		style := strings.TrimSpace(fallback.SafeString(options["style"], ""))
		switch {
		case hasReference:
			base = "Redraw the first image in the artistic style of the second image. Keep the composition and subject of the first image."
			if style != "" {
				base += " Style notes: " + style + "."
			}
		case style != "":
			base = fmt.Sprintf("Redraw this image in %s style. Keep the composition and subject recognizable.", style)
		default:
			return "", "", fmt.Errorf("%w: style or reference image is required", ErrInvalidOption)
		}

	case ToolIDPhoto:
		bg := fallback.SafeString(options["background"], "white")
		size := fallback.SafeString(options["size"], "1inch")
		bgDesc, ok := idPhotoBackgrounds[bg]
		if !ok {
			return "", "", fmt.Errorf("%w: background must be white, blue or red", ErrInvalidOption)
		}
		sizeDesc, ok := idPhotoSizes[size]
		if !ok {
			return "", "", fmt.Errorf("%w: size must be 1inch or 2inch", ErrInvalidOption)
		}
		base = fmt.Sprintf("Turn this portrait into a formal ID photo: front-facing head and shoulders, centered, even studio lighting, neat appearance, %s background, framed for a %s photo.", bgDesc, sizeDesc)
		aspectRatio = "3:4"

	case ToolEnhance:
		base = "Enhance this image: improve clarity, sharpness, lighting and color balance, and reduce noise while keeping it natural and faithful to the original."

	case ToolInpaint:
		if strings.TrimSpace(userPrompt) == "" {
			userPrompt = "Remove the object in that area and fill it in naturally to match the surroundings."
		}
		base = "The first image has a transparent region marked for editing; the second image is the mask where white marks the region to change. Only modify the marked region and keep everything else identical."

	case ToolIcon:
		if strings.TrimSpace(userPrompt) == "" {
			return "", "", ErrPromptRequired
		}
		base = "Design a clean, modern app icon: single centered symbol, bold simple shapes, flat colors with subtle depth, no text, rounded-square canvas."
		aspectRatio = "1:1"

	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTool, tool.ID)
	}

	if p := strings.TrimSpace(userPrompt); p != "" {
		base += "\n\nAdditional instructions: " + p
	}
	return base, aspectRatio, nil
}
