package edit

import (
	"context"
	"log"
	"strings"

	"imagine-engine-server/modules/common/model"
	"imagine-engine-server/modules/generate"
	"imagine-engine-server/modules/imageapi"
	"imagine-engine-server/modules/provider"
)

// EditRequest - POST /api/edit
type EditRequest struct {
	Tool      string                 `json:"tool"`
	Image     string                 `json:"image"`
	Mask      string                 `json:"mask"`
	Reference string                 `json:"reference"`
	Prompt    string                 `json:"prompt"`
	Model     string                 `json:"model"`
	Options   map[string]interface{} `json:"options"`
	Persist   *bool                  `json:"persist"`
}

// EditResponse - 편집 결과
type EditResponse struct {
	Success        bool   `json:"success"`
	Tool           string `json:"tool"`
	ImageURL       string `json:"imageUrl"`
	Model          string `json:"model"`
	RemainingQuota int    `json:"remainingQuota"`
}

// Service - 도구별 지시문을 만들어 generate 흐름으로 실행
type Service struct {
	generator *generate.Service
}

func NewService(generator *generate.Service) *Service {
	return &Service{generator: generator}
}

// Edit - 도구 실행 (쿼터 차감/환불/저장/사용 기록 포함)
func (s *Service) Edit(ctx context.Context, userID string, p provider.Provider, req EditRequest) (*generate.Outcome, error) {
	tool, err := LookupTool(req.Tool)
	if err != nil {
		return nil, err
	}
	if tool.RequiresImage && strings.TrimSpace(req.Image) == "" {
		return nil, ErrImageRequired
	}
	if tool.RequiresMask && strings.TrimSpace(req.Mask) == "" {
		return nil, ErrMaskRequired
	}

	prompt, aspectRatio, err := Instruction(tool, req.Prompt, req.Options, req.Reference != "")
	if err != nil {
		return nil, err
	}

	images, err := s.inputImages(ctx, tool, req)
	if err != nil {
		return nil, err
	}

	log.Printf("🛠️  [Edit] User %s: tool=%s, %d images", userID, tool.ID, len(images))

	return s.generator.Run(ctx, userID, p, imageapi.GenerateInput{
		Prompt:      prompt,
		Images:      images,
		Model:       req.Model,
		AspectRatio: aspectRatio,
	}, generate.RunOptions{
		Action:  model.ActionEdit,
		Tool:    tool.ID,
		Persist: req.Persist == nil || *req.Persist,
	})
}

// inputImages - 입력 이미지를 압축된 data URL로 준비
// 인페인트는 마스크를 알파 채널로 합성한 PNG(투명 영역 유지)와 마스크를 함께 전달
func (s *Service) inputImages(ctx context.Context, tool Tool, req EditRequest) ([]string, error) {
	if tool.ID == ToolInpaint {
		masked, err := s.generator.PrepareMaskedImage(ctx, req.Image, req.Mask)
		if err != nil {
			return nil, err
		}
		mask, err := s.generator.PrepareImages(ctx, []string{req.Mask})
		if err != nil {
			return nil, err
		}
		return append([]string{masked}, mask...), nil
	}

	var raw []string
	if req.Image != "" {
		raw = append(raw, req.Image)
	}
	if req.Reference != "" {
		raw = append(raw, req.Reference)
	}
	return s.generator.PrepareImages(ctx, raw)
}
