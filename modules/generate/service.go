package generate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"imagine-engine-server/modules/common/config"
	"imagine-engine-server/modules/common/model"
	"imagine-engine-server/modules/common/utils"
	"imagine-engine-server/modules/imageapi"
	"imagine-engine-server/modules/provider"
)

var (
	// ErrInvalidImage - 입력 이미지 다운로드/디코딩 실패
	ErrInvalidImage = errors.New("invalid input image")
	// ErrGenerationFailed - 프로바이더 호출 실패 (쿼터 환불됨)
	ErrGenerationFailed = errors.New("image generation failed")
)

// QuotaStore - 쿼터 차감/환불 및 사용 기록
type QuotaStore interface {
	ConsumeQuota(ctx context.Context, userID string, amount int) (int, error)
	RefundQuota(ctx context.Context, userID string, amount int) error
	InsertUsageLog(ctx context.Context, entry *model.UsageLog) error
}

// ImageGenerator - 이미지 백엔드
type ImageGenerator interface {
	Generate(ctx context.Context, p provider.Provider, in imageapi.GenerateInput) (*imageapi.Result, error)
}

// ImageStorage - 이미지 다운로드 및 갤러리 업로드
type ImageStorage interface {
	DownloadImage(ctx context.Context, url string) ([]byte, error)
	UploadImage(ctx context.Context, data []byte, userID string) (string, error)
}

// RunOptions - 사용 기록/저장 옵션
type RunOptions struct {
	Action  string
	Tool    string
	Persist bool
}

// Outcome - 과금된 생성 결과
type Outcome struct {
	ImageURL  string `json:"imageUrl"`
	Model     string `json:"model"`
	Remaining int    `json:"remainingQuota"`
}

// Service - 쿼터 차감 → 생성 → (실패 시 환불) → 저장 → 사용 기록
type Service struct {
	quota          QuotaStore
	generator      ImageGenerator
	storage        ImageStorage
	imageCost      int
	maxUploadBytes int
}

func NewService(quota QuotaStore, generator ImageGenerator, storage ImageStorage, cfg *config.Config) *Service {
	return &Service{
		quota:          quota,
		generator:      generator,
		storage:        storage,
		imageCost:      cfg.ImageCost,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

// ImageCost - 이미지 1장당 쿼터
func (s *Service) ImageCost() int {
	return s.imageCost
}

// PrepareImages - 입력 이미지(data URL/http URL)를 압축된 data URL로 변환
func (s *Service) PrepareImages(ctx context.Context, images []string) ([]string, error) {
	prepared := make([]string, 0, len(images))
	for i, img := range images {
		if img == "" {
			continue
		}

		data, err := s.storage.DownloadImage(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("%w: image %d: %v", ErrInvalidImage, i+1, err)
		}

		compressed, mime, err := utils.CompressImage(data, s.maxUploadBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: image %d: %v", ErrInvalidImage, i+1, err)
		}
		prepared = append(prepared, utils.ToDataURL(compressed, mime))
	}
	return prepared, nil
}

// PrepareMaskedImage - 원본을 먼저 압축한 뒤 마스크를 알파로 합성, 투명 영역이 남도록 PNG로 압축
func (s *Service) PrepareMaskedImage(ctx context.Context, imageURL, maskURL string) (string, error) {
	imageData, err := s.storage.DownloadImage(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	source, _, err := utils.CompressImage(imageData, s.maxUploadBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	maskData, err := s.storage.DownloadImage(ctx, maskURL)
	if err != nil {
		return "", fmt.Errorf("%w: mask: %v", ErrInvalidImage, err)
	}
	masked, err := utils.ApplyMask(source, maskData)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	compressed, err := utils.CompressPNG(masked, s.maxUploadBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return utils.ToDataURL(compressed, "image/png"), nil
}

// Run - 한 장 생성 전체 흐름
func (s *Service) Run(ctx context.Context, userID string, p provider.Provider, in imageapi.GenerateInput, opts RunOptions) (*Outcome, error) {
	remaining, err := s.Charge(ctx, userID)
	if err != nil {
		return nil, err
	}

	result, err := s.Generate(ctx, userID, p, in)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		ImageURL:  s.Finish(ctx, userID, in, result, opts),
		Model:     result.Model,
		Remaining: remaining,
	}, nil
}

// Charge - 이미지 1장 분량 쿼터 차감
func (s *Service) Charge(ctx context.Context, userID string) (int, error) {
	remaining, err := s.quota.ConsumeQuota(ctx, userID, s.imageCost)
	if err != nil {
		log.Printf("⚠️  [Generate] Quota consume failed for user %s: %v", userID, err)
		return 0, err
	}
	return remaining, nil
}

// Refund - 차감한 쿼터 환불 (요청 취소와 무관하게 수행)
func (s *Service) Refund(ctx context.Context, userID string) {
	if err := s.quota.RefundQuota(context.WithoutCancel(ctx), userID, s.imageCost); err != nil {
		log.Printf("❌ [Generate] Failed to refund quota for user %s: %v", userID, err)
	}
}

// Generate - 프로바이더 호출, 실패하면 환불 후 ErrGenerationFailed
func (s *Service) Generate(ctx context.Context, userID string, p provider.Provider, in imageapi.GenerateInput) (*imageapi.Result, error) {
	result, err := s.generator.Generate(ctx, p, in)
	if err != nil {
		log.Printf("❌ [Generate] Provider %s failed for user %s: %v", p.Name, userID, err)
		s.Refund(ctx, userID)
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return result, nil
}

// Finish - 선택적 저장 + 사용 기록, 최종 이미지 URL 반환
// 저장 실패 시 프로바이더 URL을 그대로 사용
func (s *Service) Finish(ctx context.Context, userID string, in imageapi.GenerateInput, result *imageapi.Result, opts RunOptions) string {
	ctx = context.WithoutCancel(ctx)
	imageURL := result.ImageURL

	if opts.Persist {
		if stored, err := s.persist(ctx, userID, imageURL); err != nil {
			log.Printf("⚠️  [Generate] Failed to persist image for user %s: %v", userID, err)
		} else {
			imageURL = stored
		}
	}

	entry := &model.UsageLog{
		UserID:   userID,
		Action:   opts.Action,
		Tool:     model.StringPtr(opts.Tool),
		Model:    result.Model,
		Prompt:   in.Prompt,
		ImageURL: model.StringPtr(storedURL(imageURL)),
		Cost:     s.imageCost,
	}
	if err := s.quota.InsertUsageLog(ctx, entry); err != nil {
		log.Printf("⚠️  [Generate] Failed to insert usage log for user %s: %v", userID, err)
	}

	return imageURL
}

func (s *Service) persist(ctx context.Context, userID, imageURL string) (string, error) {
	data, err := s.storage.DownloadImage(ctx, imageURL)
	if err != nil {
		return "", err
	}
	return s.storage.UploadImage(ctx, data, userID)
}

// storedURL - 사용 기록에는 data URL을 남기지 않음
func storedURL(imageURL string) string {
	if strings.HasPrefix(imageURL, "data:") {
		return ""
	}
	return imageURL
}
