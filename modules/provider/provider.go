package provider

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"imagine-engine-server/modules/common/config"
)

// Provider kinds
const (
	KindOpenAI = "openai"
	KindGemini = "gemini"
	KindVertex = "vertex"
)

// DefaultVertexLocation - location이 비어 있는 vertex 프로바이더 기본값
const DefaultVertexLocation = "us-central1"

const (
	geminiImageModel = "gemini-2.5-flash-image"
	geminiChatModel  = "gemini-2.5-flash"
)

// DefaultName - 설정 파일 기반 기본 프로바이더 이름
const DefaultName = "default"

// Override headers (브라우저 imagine-engine-* 설정과 대응)
const (
	HeaderBaseURL  = "X-Imagine-Base-URL"
	HeaderAPIKey   = "X-Imagine-API-Key"
	HeaderModel    = "X-Imagine-Model"
	HeaderProvider = "X-Imagine-Provider"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrOverrideNeedsKey - 서버 키를 임의 URL로 보내지 않도록 base URL 오버라이드는 키도 필요
	ErrOverrideNeedsKey = errors.New("base URL override requires an API key")
)

// Provider - 외부 이미지/채팅 API 설정
type Provider struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	BaseURL    string   `yaml:"baseURL"`
	APIKeys    []string `yaml:"apiKeys"`
	Models     []string `yaml:"models"`
	ImageModel string   `yaml:"imageModel"`
	ChatModel  string   `yaml:"chatModel"`

	// vertex 전용 (API 키 대신 서비스 계정)
	Project         string `yaml:"project"`
	Location        string `yaml:"location"`
	CredentialsFile string `yaml:"credentialsFile"`
	CredentialsJSON string `yaml:"-"`
}

// Summary - 키를 제외한 공개용 정보
type Summary struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	BaseURL    string   `json:"baseUrl,omitempty"`
	Models     []string `json:"models"`
	ImageModel string   `json:"imageModel"`
	ChatModel  string   `json:"chatModel,omitempty"`
	Project    string   `json:"project,omitempty"`
	KeyCount   int      `json:"keyCount"`
}

type catalogFile struct {
	Providers []Provider `yaml:"providers"`
}

// Default - 환경변수 기반 기본 프로바이더
func Default(cfg *config.Config) Provider {
	return Provider{
		Name:       DefaultName,
		Kind:       KindOpenAI,
		BaseURL:    cfg.ImageAPIBaseURL,
		APIKeys:    cfg.ImageAPIKeys,
		Models:     []string{cfg.ImageModel},
		ImageModel: cfg.ImageModel,
		ChatModel:  cfg.ChatModel,
	}
}

// Builtins - GEMINI_API_KEY, VERTEXAI_PROJECT가 있으면 네이티브 프로바이더 추가
func Builtins(cfg *config.Config) []Provider {
	var providers []Provider
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, Provider{
			Name:       KindGemini,
			Kind:       KindGemini,
			APIKeys:    []string{cfg.GeminiAPIKey},
			Models:     []string{geminiImageModel},
			ImageModel: geminiImageModel,
			ChatModel:  geminiChatModel,
		})
	}
	if cfg.VertexAIProject != "" {
		location := cfg.VertexAILocation
		if location == "" {
			location = DefaultVertexLocation
		}
		providers = append(providers, Provider{
			Name:            KindVertex,
			Kind:            KindVertex,
			Models:          []string{geminiImageModel},
			ImageModel:      geminiImageModel,
			ChatModel:       geminiChatModel,
			Project:         cfg.VertexAIProject,
			Location:        location,
			CredentialsFile: cfg.VertexAICredentialsPath,
			CredentialsJSON: cfg.VertexAICredentialsJSON,
		})
	}
	return providers
}

// LoadCatalog - YAML 프로바이더 카탈로그 로드
func LoadCatalog(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog %s: %w", path, err)
	}

	if err := validate(file.Providers); err != nil {
		return nil, fmt.Errorf("invalid provider catalog: %w", err)
	}
	return file.Providers, nil
}

// validate ensures names are present and unique and fills in defaults
func validate(providers []Provider) error {
	seenNames := make(map[string]bool)

	for i := range providers {
		p := &providers[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return fmt.Errorf("provider at index %d has empty name", i)
		}
		if seenNames[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seenNames[p.Name] = true

		if p.Kind == "" {
			p.Kind = KindOpenAI
		}
		switch p.Kind {
		case KindOpenAI:
			if p.BaseURL == "" {
				return fmt.Errorf("provider %s has empty baseURL", p.Name)
			}
		case KindGemini:
		case KindVertex:
			if p.Project == "" {
				return fmt.Errorf("provider %s has empty project", p.Name)
			}
			if p.Location == "" {
				p.Location = DefaultVertexLocation
			}
		default:
			return fmt.Errorf("provider %s has unsupported kind %q", p.Name, p.Kind)
		}
		p.BaseURL = strings.TrimRight(p.BaseURL, "/")
		if p.ImageModel == "" && len(p.Models) > 0 {
			p.ImageModel = p.Models[0]
		}
	}
	return nil
}

// Registry - 이름으로 프로바이더 조회
type Registry struct {
	providers map[string]Provider
}

// NewRegistry - 기본 프로바이더 위에 카탈로그를 덮어씀 (같은 이름이면 카탈로그 우선)
func NewRegistry(def Provider, catalog []Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(catalog)+1)}
	if def.Name == "" {
		def.Name = DefaultName
	}
	r.providers[def.Name] = def
	for _, p := range catalog {
		r.providers[p.Name] = p
	}
	return r
}

// Resolve - 이름으로 조회 (빈 이름은 기본 프로바이더)
func (r *Registry) Resolve(name string) (Provider, error) {
	if name == "" {
		name = DefaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// List - 이름 순 정렬된 공개 정보
func (r *Registry) List() []Summary {
	out := make([]Summary, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, Summary{
			Name:       p.Name,
			Kind:       p.Kind,
			BaseURL:    p.BaseURL,
			Models:     p.Models,
			ImageModel: p.ImageModel,
			ChatModel:  p.ChatModel,
			Project:    p.Project,
			KeyCount:   len(p.APIKeys),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FromRequest - X-Imagine-* 헤더로 프로바이더 결정 및 오버라이드 적용
func FromRequest(r *http.Request, registry *Registry) (Provider, error) {
	p, err := registry.Resolve(strings.TrimSpace(r.Header.Get(HeaderProvider)))
	if err != nil {
		return Provider{}, err
	}

	baseURL := strings.TrimSpace(r.Header.Get(HeaderBaseURL))
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	model := strings.TrimSpace(r.Header.Get(HeaderModel))

	if baseURL != "" {
		if apiKey == "" {
			return Provider{}, ErrOverrideNeedsKey
		}
		p.Name = "custom"
		p.Kind = KindOpenAI
		p.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if apiKey != "" {
		p.APIKeys = []string{apiKey}
		// 사용자 키는 Gemini API 키로 취급
		if p.Kind == KindVertex {
			p.Kind = KindGemini
		}
	}
	if model != "" {
		p.ImageModel = model
	}
	return p, nil
}

// Native - genai SDK로 호출하는 프로바이더인지
func (p Provider) Native() bool {
	return p.Kind == KindGemini || p.Kind == KindVertex
}

// ModelOr - 요청 모델이 있으면 그것, 없으면 프로바이더 기본 이미지 모델
func (p Provider) ModelOr(requested string) string {
	if requested != "" {
		return requested
	}
	return p.ImageModel
}
