package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/audio"
)

// Service turns text into 16-bit PCM at the pipeline rate. emit is called
// with each chunk as it becomes available.
type Service interface {
	Synthesize(ctx context.Context, text string, emit func(pcm []byte) error) error
}

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed"`
}

type ElevenLabsConfig struct {
	APIKey   string
	BaseURL  string
	VoiceID  string
	Model    string
	Language string
	Settings VoiceSettings
}

// ElevenLabs synthesizes speech with the streaming text-to-speech endpoint
// and resamples it to the telephony rate.
type ElevenLabs struct {
	config ElevenLabsConfig
	client *http.Client
}

const elevenLabsRate = 16000

func NewElevenLabs(config ElevenLabsConfig, client *http.Client) *ElevenLabs {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.elevenlabs.io"
	}
	if config.Model == "" {
		config.Model = "eleven_flash_v2_5"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ElevenLabs{config: config, client: client}
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
	LanguageCode  string        `json:"language_code,omitempty"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string, emit func(pcm []byte) error) error {
	body, err := json.Marshal(synthesisRequest{
		Text:          text,
		ModelID:       e.config.Model,
		VoiceSettings: e.config.Settings,
		LanguageCode:  e.config.Language,
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=pcm_%d",
		e.config.BaseURL, url.PathEscape(e.config.VoiceID), elevenLabsRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("elevenlabs: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	buf := make([]byte, 3200)
	var carry []byte
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			even := len(chunk) &^ 1
			carry = append([]byte(nil), chunk[even:]...)
			if even > 0 {
				if err := emit(audio.Resample(chunk[:even], elevenLabsRate, audio.SampleRate)); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("elevenlabs stream: %w", readErr)
		}
	}
}
