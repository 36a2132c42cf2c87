package vertexai

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
	"google.golang.org/genai"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// ErrInvalidCredentials - 서비스 계정 JSON 형식 오류
var ErrInvalidCredentials = errors.New("invalid Vertex AI credentials JSON")

var (
	cacheMutex sync.Mutex
	cache      = make(map[string]*auth.Credentials)
)

// Credentials - 인증 정보 탐색 (JSON 문자열 → 파일 → Application Default Credentials)
// 같은 입력은 한 번만 읽고 재사용
func Credentials(credentialsJSON, credentialsPath string) (*auth.Credentials, error) {
	cacheKey := credentialsPath + "\x00" + credentialsJSON

	cacheMutex.Lock()
	defer cacheMutex.Unlock()
	if creds, ok := cache[cacheKey]; ok {
		return creds, nil
	}

	opts := &credentials.DetectOptions{Scopes: []string{cloudPlatformScope}}

	switch {
	case credentialsJSON != "":
		// 1. VERTEXAI_CREDENTIALS_JSON (배포용)
		log.Println("✅ [VertexAI] Using credentials JSON from environment")
		if !json.Valid([]byte(credentialsJSON)) {
			return nil, ErrInvalidCredentials
		}
		opts.CredentialsJSON = []byte(credentialsJSON)

	case credentialsPath != "":
		// 2. VERTEXAI_CREDENTIALS_PATH 또는 카탈로그 credentialsFile (로컬 테스트용)
		log.Printf("✅ [VertexAI] Using credentials from file: %s", credentialsPath)
		data, err := os.ReadFile(credentialsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		if !json.Valid(data) {
			return nil, ErrInvalidCredentials
		}
		opts.CredentialsJSON = data

	default:
		// 3. Application Default Credentials
		log.Println("⚠️  [VertexAI] No explicit credentials found, using Application Default Credentials")
	}

	creds, err := credentials.DetectDefault(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to detect Vertex AI credentials: %w", err)
	}

	cache[cacheKey] = creds
	return creds, nil
}

// ClientConfig - Vertex AI 백엔드용 genai 설정
func ClientConfig(project, location string, creds *auth.Credentials) *genai.ClientConfig {
	return &genai.ClientConfig{
		Backend:     genai.BackendVertexAI,
		Project:     project,
		Location:    location,
		Credentials: creds,
	}
}
