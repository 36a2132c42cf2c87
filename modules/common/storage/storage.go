package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"imagine-engine-server/modules/common/utils"
)

// MaxDownloadBytes - 다운로드 허용 최대 크기 (20 MiB)
const MaxDownloadBytes = 20 << 20

// webpQuality - 갤러리 저장용 WebP 품질
const webpQuality = 90

var (
	// ErrTooLarge - 다운로드 크기 초과
	ErrTooLarge = errors.New("image exceeds download limit")
	// ErrBlockedAddress - 루프백/사설망/링크로컬 주소로의 다운로드 차단
	ErrBlockedAddress = errors.New("image URL resolves to a blocked address")
)

// carrierGradeNAT - 100.64.0.0/10 (클라우드 내부망에서 사용)
var carrierGradeNAT = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

type Client struct {
	supabaseURL string
	serviceKey  string
	bucket      string
	httpClient  *http.Client
	downloader  *http.Client // 사용자 URL 전용 (내부망 차단)
}

// NewClient - Storage 클라이언트 생성
func NewClient(supabaseURL, serviceKey, bucket string) *Client {
	return &Client{
		supabaseURL: strings.TrimRight(supabaseURL, "/"),
		serviceKey:  serviceKey,
		bucket:      bucket,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		downloader:  newDownloadClient(),
	}
}

// newDownloadClient - 사용자 URL 다운로드용, 연결 직전 실제 IP를 검사 (리다이렉트/DNS 재바인딩 포함)
func newDownloadClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   rejectInternalAddress,
	}
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func rejectInternalAddress(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || IsBlockedIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

// IsBlockedIP - 외부에서 접근할 수 없는 주소인지
func IsBlockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		carrierGradeNAT.Contains(ip)
}

// DownloadImage - http(s) 또는 data: URL에서 이미지 바이트 가져오기
func (c *Client) DownloadImage(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "data:") {
		data, _, err := utils.ParseDataURL(url)
		if err != nil {
			return nil, err
		}
		if len(data) > MaxDownloadBytes {
			return nil, ErrTooLarge
		}
		return data, nil
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("unsupported image URL scheme: %s", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	log.Printf("📥 Downloading image from: %s", url)
	resp, err := c.downloader.Do(req)
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			log.Printf("⛔ Blocked image download from internal address: %s", url)
			return nil, ErrBlockedAddress
		}
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to download image: status %d, body: %s", resp.StatusCode, string(body))
	}

	// 한도 +1 바이트까지 읽어서 초과 여부 판정
	imageData, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if len(imageData) > MaxDownloadBytes {
		return nil, ErrTooLarge
	}

	log.Printf("✅ Image downloaded successfully: %d bytes", len(imageData))
	return imageData, nil
}

// UploadImage - WebP 변환 후 Supabase Storage에 업로드, public URL 반환
func (c *Client) UploadImage(ctx context.Context, imageData []byte, userID string) (string, error) {
	webpData, err := utils.ConvertToWebP(imageData, webpQuality)
	if err != nil {
		return "", fmt.Errorf("failed to convert image to WebP: %w", err)
	}
	return c.upload(ctx, webpData, "image/webp", userID, "webp")
}

func (c *Client) upload(ctx context.Context, data []byte, contentType, userID, ext string) (string, error) {
	timestamp := time.Now().UnixNano() / int64(time.Millisecond)
	randomID := rand.Intn(999999)
	filePath := fmt.Sprintf("generated/%s/%d_%06d.%s", userID, timestamp, randomID, ext)

	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.supabaseURL, c.bucket, filePath)
	log.Printf("📤 Uploading image to storage: %s/%s", c.bucket, filePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	log.Printf("✅ Image uploaded successfully: %s (%d bytes)", filePath, len(data))
	return c.PublicURL(filePath), nil
}

// PublicURL - public 버킷 객체 URL
func (c *Client) PublicURL(filePath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.supabaseURL, c.bucket, filePath)
}
