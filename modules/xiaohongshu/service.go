package xiaohongshu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"imagine-engine-server/modules/common/fallback"
	"imagine-engine-server/modules/common/model"
	"imagine-engine-server/modules/generate"
	"imagine-engine-server/modules/imageapi"
	"imagine-engine-server/modules/provider"
)

const (
	maxTags       = 10
	maxTitleRunes = 20
	defaultTone   = "活泼亲切"
)

// ErrUnparseableCopy - 모델 응답에서 JSON을 찾지 못함
var ErrUnparseableCopy = errors.New("model response is not valid copy JSON")

// Chatter - 텍스트 생성 백엔드
type Chatter interface {
	Chat(ctx context.Context, p provider.Provider, messages []imageapi.ChatMessage, model string) (string, error)
}

// Copy - 게시글 문안
type Copy struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

type CopyRequest struct {
	Topic    string   `json:"topic"`
	Tone     string   `json:"tone"`
	Keywords []string `json:"keywords"`
}

type CoverRequest struct {
	Title       string `json:"title"`
	Style       string `json:"style"`
	AspectRatio string `json:"aspectRatio"`
	Model       string `json:"model"`
}

type Service struct {
	chat      Chatter
	generator *generate.Service
}

func NewService(chat Chatter, generator *generate.Service) *Service {
	return &Service{
		chat:      chat,
		generator: generator,
	}
}

const copySystemPrompt = `你是一名小红书爆款文案写手。根据用户给出的主题写一篇小红书笔记。
只输出 JSON，不要输出其他内容，格式：
{"title": "不超过20字的标题，可带emoji", "content": "正文，分段，适当使用emoji", "tags": ["标签1", "标签2"]}`

// GenerateCopy - 주제로 제목/본문/태그 생성
func (s *Service) GenerateCopy(ctx context.Context, p provider.Provider, req CopyRequest) (*Copy, error) {
	tone := fallback.SafeString(req.Tone, defaultTone)

	var user strings.Builder
	fmt.Fprintf(&user, "主题：%s\n语气：%s", req.Topic, tone)
	if len(req.Keywords) > 0 {
		fmt.Fprintf(&user, "\n关键词：%s", strings.Join(req.Keywords, "、"))
	}

	text, err := s.chat.Chat(ctx, p, []imageapi.ChatMessage{
		{Role: imageapi.RoleSystem, Content: copySystemPrompt},
		{Role: imageapi.RoleUser, Content: user.String()},
	}, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", generate.ErrGenerationFailed, err)
	}

	copy, err := ParseCopy(text)
	if err != nil {
		// JSON이 아니면 원문을 본문으로 사용
		log.Printf("⚠️  [Xiaohongshu] Could not parse copy JSON, using raw text: %v", err)
		copy = &Copy{
			Title:   fallback.Clip(strings.TrimSpace(req.Topic), maxTitleRunes),
			Content: strings.TrimSpace(text),
			Tags:    req.Keywords,
		}
	}
	if copy.Tags == nil {
		copy.Tags = []string{}
	}
	return copy, nil
}

// GenerateCover - 표지 이미지 생성 (기본 3:4)
func (s *Service) GenerateCover(ctx context.Context, userID string, p provider.Provider, req CoverRequest) (*generate.Outcome, error) {
	style := fallback.SafeString(req.Style, "清新明亮的生活方式摄影风格")
	aspectRatio := "3:4"
	if req.AspectRatio != "" {
		aspectRatio = fallback.SafeAspectRatio(req.AspectRatio)
	}

	prompt := fmt.Sprintf("Create an eye-catching Xiaohongshu (RED) post cover image. Theme: %s. Visual style: %s. "+
		"Bright, clean composition with a clear focal subject and space for a short title overlay. Vertical social-media layout.",
		req.Title, style)

	return s.generator.Run(ctx, userID, p, imageapi.GenerateInput{
		Prompt:      prompt,
		Model:       req.Model,
		AspectRatio: aspectRatio,
	}, generate.RunOptions{Action: model.ActionCover, Persist: true})
}

// ParseCopy - ```json 펜스 또는 맨 JSON 객체에서 문안 추출
func ParseCopy(text string) (*Copy, error) {
	body := strings.TrimSpace(text)
	if i := strings.Index(body, "```"); i >= 0 {
		body = body[i+3:]
		body = strings.TrimPrefix(body, "json")
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
	}

	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, ErrUnparseableCopy
	}

	var c Copy
	if err := json.Unmarshal([]byte(body[start:end+1]), &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableCopy, err)
	}
	if strings.TrimSpace(c.Title) == "" && strings.TrimSpace(c.Content) == "" {
		return nil, ErrUnparseableCopy
	}

	tags := make([]string, 0, len(c.Tags))
	for _, tag := range c.Tags {
		tag = strings.TrimSpace(strings.TrimLeft(tag, "#＃"))
		if tag != "" && len(tags) < maxTags {
			tags = append(tags, tag)
		}
	}
	c.Tags = tags
	return &c, nil
}
