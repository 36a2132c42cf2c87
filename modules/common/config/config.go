package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config 구조체 - 모든 환경변수를 담음
type Config struct {
	// Server
	Port           string
	FrontendOrigin string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool

	// Supabase
	SupabaseURL        string
	SupabaseServiceKey string
	StorageBucket      string

	// Image backend (OpenAI-compatible)
	ImageAPIBaseURL string
	ImageAPIKeys    []string
	ImageModel      string
	ChatModel       string
	GeminiAPIKey    string
	ProvidersFile   string

	// Vertex AI (서비스 계정)
	VertexAIProject         string
	VertexAILocation        string
	VertexAICredentialsJSON string
	VertexAICredentialsPath string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePricePro      string
	StripePriceBusiness string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Quota
	ImageCost        int
	FreeQuota        int
	BatchMaxImages   int
	BatchConcurrency int
	WorkerJobs       int
	MaxUploadBytes   int
	RequestsPerMin   int
}

var globalConfig *Config

// LoadConfig - 환경변수 로드
func LoadConfig() (*Config, error) {
	// .env 파일 로드 (있으면)
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  .env file not found, using environment variables")
	}

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = cfg

	log.Println("✅ Configuration loaded successfully")
	log.Printf("   Redis: %s (TLS: %v)", cfg.GetRedisAddr(), cfg.RedisUseTLS)
	log.Printf("   Supabase: %s (bucket: %s)", cfg.SupabaseURL, cfg.StorageBucket)
	log.Printf("   Image API: %s (model: %s, keys: %d)", cfg.ImageAPIBaseURL, cfg.ImageModel, len(cfg.ImageAPIKeys))
	log.Printf("   Billing enabled: %v", cfg.BillingEnabled())
	log.Printf("   Quota: %d per image, free quota %d", cfg.ImageCost, cfg.FreeQuota)

	return cfg, nil
}

// FromEnv - 현재 프로세스 환경변수로 Config 생성 (검증 없음)
func FromEnv() *Config {
	frontend := getEnv("FRONTEND_ORIGIN", "*")
	redirectBase := frontend
	if redirectBase == "*" {
		redirectBase = "http://localhost:3000"
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendOrigin: frontend,

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   getBool("REDIS_USE_TLS", false),

		SupabaseURL:        strings.TrimRight(getEnv("SUPABASE_URL", ""), "/"),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		StorageBucket:      getEnv("SUPABASE_STORAGE_BUCKET", "artworks"),

		ImageAPIBaseURL: getEnv("IMAGE_API_BASE_URL", "https://api.openai.com/v1"),
		ImageAPIKeys:    splitList(getEnv("IMAGE_API_KEYS", "")),
		ImageModel:      getEnv("IMAGE_MODEL", "gemini-2.5-flash-image"),
		ChatModel:       getEnv("CHAT_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		ProvidersFile:   getEnv("PROVIDERS_FILE", ""),

		VertexAIProject:         getEnv("VERTEXAI_PROJECT", ""),
		VertexAILocation:        getEnv("VERTEXAI_LOCATION", "us-central1"),
		VertexAICredentialsJSON: getEnv("VERTEXAI_CREDENTIALS_JSON", ""),
		VertexAICredentialsPath: getEnv("VERTEXAI_CREDENTIALS_PATH", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePricePro:      getEnv("STRIPE_PRICE_PRO", ""),
		StripePriceBusiness: getEnv("STRIPE_PRICE_BUSINESS", ""),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", redirectBase+"/dashboard?checkout=success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", redirectBase+"/pricing?checkout=cancelled"),

		ImageCost:        getInt("IMAGE_COST", 1),
		FreeQuota:        getInt("FREE_QUOTA", 10),
		BatchMaxImages:   getInt("BATCH_MAX_IMAGES", 8),
		BatchConcurrency: getInt("BATCH_CONCURRENCY", 2),
		WorkerJobs:       getInt("WORKER_CONCURRENCY", 2),
		MaxUploadBytes:   getInt("MAX_UPLOAD_BYTES", 1536*1024),
		RequestsPerMin:   getInt("REQUESTS_PER_MINUTE", 30),
	}
}

// GetConfig - 로드된 설정 가져오기
func GetConfig() *Config {
	if globalConfig == nil {
		log.Fatal("❌ Config not loaded. Call LoadConfig() first.")
	}
	return globalConfig
}

// Validate - 필수 환경변수 검증
func (c *Config) Validate() error {
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_KEY is required")
	}
	if len(c.ImageAPIKeys) == 0 {
		return fmt.Errorf("IMAGE_API_KEYS is required")
	}
	if c.ImageCost <= 0 {
		return fmt.Errorf("IMAGE_COST must be positive, got %d", c.ImageCost)
	}
	if c.BatchMaxImages <= 0 || c.BatchConcurrency <= 0 {
		return fmt.Errorf("BATCH_MAX_IMAGES and BATCH_CONCURRENCY must be positive")
	}
	return nil
}

// BillingEnabled - Stripe 키가 설정되어 있는지
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}

// GetRedisAddr - Redis 연결 문자열 생성
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// getEnv - 환경변수 가져오기 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid integer for %s: %q, using %d", key, value, defaultValue)
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
