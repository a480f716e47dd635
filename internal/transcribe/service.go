package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"time"
)

// ErrNotConfigured is returned when no transcription backend is set up.
var ErrNotConfigured = errors.New("transcription backend not configured")

// Service sends recorded audio to a Whisper-compatible transcription API
// and returns the recognized text. The backend is treated as a black box:
// any endpoint speaking the OpenAI audio/transcriptions form protocol works.
type Service struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewService creates a transcription client. An empty baseURL disables the
// service; callers get ErrNotConfigured.
func NewService(baseURL, apiKey string) *Service {
	return &Service{
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Whisper can take a while for long audio
		},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// Enabled reports whether a backend is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.baseURL != ""
}

// Request contains parameters for audio transcription
type Request struct {
	Audio    []byte
	Filename string
	Language string // Optional language code (e.g., "en", "es", "fr")
	Prompt   string // Optional prompt to guide transcription
}

// Response contains the result of transcription
type Response struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe sends audio to the backend and returns the recognized text.
func (s *Service) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	if !s.Enabled() {
		return nil, ErrNotConfigured
	}

	log.Printf("🎵 [TRANSCRIBE] Sending audio to Whisper API (%d bytes)", len(req.Audio))

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := req.Filename
	if filename == "" {
		filename = "audio.webm"
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, fmt.Errorf("failed to copy audio data: %w", err)
	}

	if err := writer.WriteField("model", "whisper-large-v3"); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if req.Language != "" {
		if err := writer.WriteField("language", req.Language); err != nil {
			return nil, fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if req.Prompt != "" {
		if err := writer.WriteField("prompt", req.Prompt); err != nil {
			return nil, fmt.Errorf("failed to write prompt field: %w", err)
		}
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("failed to write response_format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ [TRANSCRIBE] Whisper API error: %d - %s", resp.StatusCode, string(respBody))

		var errorResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &errorResp) == nil && errorResp.Error.Message != "" {
			return nil, fmt.Errorf("transcription failed: %s", errorResp.Error.Message)
		}
		return nil, fmt.Errorf("transcription failed with status %d", resp.StatusCode)
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	log.Printf("✅ [TRANSCRIBE] Transcribed %.1fs of audio", result.Duration)
	return &result, nil
}

// GetSupportedFormats returns the audio MIME types accepted for upload.
func GetSupportedFormats() []string {
	return []string{
		"audio/webm", "audio/ogg", "audio/wav", "audio/x-wav",
		"audio/mpeg", "audio/mp4", "audio/flac",
	}
}

// IsSupportedFormat checks whether a MIME type can be transcribed.
func IsSupportedFormat(mimeType string) bool {
	for _, f := range GetSupportedFormats() {
		if f == mimeType {
			return true
		}
	}
	return false
}
