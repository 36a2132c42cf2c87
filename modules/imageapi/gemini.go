package imageapi

import (
	"context"
	"fmt"
	"log"
	"strings"

	"google.golang.org/genai"

	"imagine-engine-server/modules/common/utils"
	"imagine-engine-server/modules/common/vertexai"
	"imagine-engine-server/modules/provider"
)

// newGeminiClient - gemini는 API 키, vertex는 서비스 계정으로 genai 클라이언트 생성
func newGeminiClient(ctx context.Context, p provider.Provider, key string) (*genai.Client, error) {
	config := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if p.Kind == provider.KindVertex {
		creds, err := vertexai.Credentials(p.CredentialsJSON, p.CredentialsFile)
		if err != nil {
			return nil, err
		}
		config = vertexai.ClientConfig(p.Project, p.Location, creds)
	}

	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", p.Kind, err)
	}
	return client, nil
}

// nativeKeys - vertex는 키 없이 한 번 (429 재시도는 유지)
func nativeKeys(p provider.Provider) []string {
	if p.Kind == provider.KindVertex {
		return []string{""}
	}
	return p.APIKeys
}

// generateGemini - Gemini 네이티브 API로 이미지 생성 (InlineData를 data URL로 반환)
func generateGemini(ctx context.Context, p provider.Provider, key, model string, in GenerateInput) (*Result, error) {
	client, err := newGeminiClient(ctx, p, key)
	if err != nil {
		return nil, err
	}

	var parts []*genai.Part
	for i, img := range in.Images {
		data, mime, err := utils.ParseDataURL(img)
		if err != nil {
			return nil, fmt.Errorf("reference image %d must be a data URL: %w", i+1, err)
		}
		parts = append(parts, genai.NewPartFromBytes(data, mime))
	}
	parts = append(parts, genai.NewPartFromText(in.Prompt))

	config := &genai.GenerateContentConfig{}
	if in.AspectRatio != "" {
		config.ImageConfig = &genai.ImageConfig{AspectRatio: in.AspectRatio}
	}

	result, err := client.Models.GenerateContent(ctx, model, []*genai.Content{{Role: "user", Parts: parts}}, config)
	if err != nil {
		return nil, fmt.Errorf("%s API call failed: %w", p.Kind, err)
	}

	var text strings.Builder
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				log.Printf("✅ [ImageAPI] Received image from %s: %d bytes", p.Kind, len(part.InlineData.Data))
				return &Result{
					ImageURL: utils.ToDataURL(part.InlineData.Data, part.InlineData.MIMEType),
					Text:     text.String(),
					Model:    model,
				}, nil
			}
			text.WriteString(part.Text)
		}
	}

	return nil, ErrNoImage
}

// chatGemini - Gemini 텍스트 생성
func chatGemini(ctx context.Context, p provider.Provider, key, model string, messages []ChatMessage) (string, error) {
	client, err := newGeminiClient(ctx, p, key)
	if err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			config.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(msg.Content)}}
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{genai.NewPartFromText(msg.Content)}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{genai.NewPartFromText(msg.Content)}})
		}
	}

	result, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("%s API call failed: %w", p.Kind, err)
	}

	var text strings.Builder
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
	}
	return text.String(), nil
}
