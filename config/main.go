package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderPlivo = "plivo"
	ProviderSIP   = "sip"
)

// Duration decodes JSON strings such as "30s" as well as plain seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	HTTPListenAddress string `json:"http_listen_address"`
	GRPCListenAddress string `json:"grpc_listen_address"`
	PublicURL         string `json:"public_url"`

	Provider   string `json:"provider"`
	FromNumber string `json:"from_number"`
	CallerName string `json:"caller_name"`

	PlivoAuthID    string `json:"-"`
	PlivoAuthToken string `json:"-"`
	PlivoBaseURL   string `json:"plivo_base_url"`

	SIPProtocol      string `json:"sip_protocol"`
	SIPPort          int    `json:"sip_port"`
	SIPListenAddress string `json:"sip_listen_address"`
	SIPTrunkHost     string `json:"sip_trunk_host"`
	SIPUsername      string `json:"-"`
	SIPPassword      string `json:"-"`

	DeepgramAPIKey   string `json:"-"`
	DeepgramModel    string `json:"deepgram_model"`
	DeepgramLanguage string `json:"deepgram_language"`

	GeminiAPIKey      string  `json:"-"`
	GeminiModel       string  `json:"gemini_model"`
	LLMTemperature    float32 `json:"llm_temperature"`
	LLMMaxFailures    int     `json:"llm_max_failures"`
	LLMFunctionRounds int     `json:"llm_function_rounds"`

	ElevenLabsAPIKey  string  `json:"-"`
	ElevenLabsVoiceID string  `json:"elevenlabs_voice_id"`
	ElevenLabsModel   string  `json:"elevenlabs_model"`
	TTSStability      float64 `json:"tts_stability"`
	TTSSimilarity     float64 `json:"tts_similarity_boost"`
	TTSStyle          float64 `json:"tts_style"`
	TTSSpeed          float64 `json:"tts_speed"`

	SessionTimeout  Duration `json:"session_timeout"`
	MaxCallDuration Duration `json:"max_call_duration"`
	VADThreshold    float64  `json:"vad_threshold"`
	VADStartSecs    float64  `json:"vad_start_secs"`
	VADStopSecs     float64  `json:"vad_stop_secs"`

	ScriptPath      string `json:"script_path"`
	RecordingDir    string `json:"recording_dir"`
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	LogPhoneNumbers bool   `json:"log_phone_numbers"`
}

// Default returns the settings the bot runs with when no file overrides them.
func Default() *Config {
	return &Config{
		HTTPListenAddress: ":8000",
		GRPCListenAddress: ":50051",
		Provider:          ProviderPlivo,
		CallerName:        "Vahan",
		PlivoBaseURL:      "https://api.plivo.com/v1",
		SIPProtocol:       "udp",
		SIPPort:           5060,
		SIPListenAddress:  "0.0.0.0",
		DeepgramModel:     "nova-2-phonecall",
		DeepgramLanguage:  "en-IN",
		GeminiModel:       "gemini-2.5-flash",
		LLMTemperature:    0.75,
		LLMMaxFailures:    3,
		LLMFunctionRounds: 3,
		ElevenLabsVoiceID: "6xtFDpt8a8lTgY0wO0Nb",
		ElevenLabsModel:   "eleven_flash_v2_5",
		TTSStability:      0.7,
		TTSSimilarity:     0.8,
		TTSStyle:          0.5,
		TTSSpeed:          1.1,
		SessionTimeout:    Duration(30 * time.Second),
		MaxCallDuration:   Duration(5 * time.Minute),
		VADThreshold:      0.02,
		VADStartSecs:      0.2,
		VADStopSecs:       0.8,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadConfig reads path (or configs/config.json next to the executable when
// path is empty), then .env, then environment overrides.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(filepath.Dir(exePath), "configs", "config.json")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	if path != "" {
		configData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(configData, config); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PUBLIC_URL", &c.PublicURL)
	str("HTTP_LISTEN_ADDRESS", &c.HTTPListenAddress)
	str("TELEPHONY_PROVIDER", &c.Provider)
	str("FROM_NUMBER", &c.FromNumber)
	str("PLIVO_AUTH_ID", &c.PlivoAuthID)
	str("PLIVO_AUTH_TOKEN", &c.PlivoAuthToken)
	str("SIP_TRUNK_HOST", &c.SIPTrunkHost)
	str("SIP_USERNAME", &c.SIPUsername)
	str("SIP_PASSWORD", &c.SIPPassword)
	str("DEEPGRAM_API_KEY", &c.DeepgramAPIKey)
	str("GEMINI_API_KEY", &c.GeminiAPIKey)
	str("GEMINI_MODEL", &c.GeminiModel)
	str("ELEVENLABS_API_KEY", &c.ElevenLabsAPIKey)
	str("ELEVENLABS_VOICE_ID", &c.ElevenLabsVoiceID)
	str("SCRIPT_PATH", &c.ScriptPath)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("LOG_PHONE_NUMBERS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_PHONE_NUMBERS: %w", err)
		}
		c.LogPhoneNumbers = b
	}
	if v, ok := lookup("MAX_CALL_DURATION"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MAX_CALL_DURATION: %w", err)
		}
		c.MaxCallDuration = Duration(d)
	}
	return nil
}

// Validate checks the settings required by the selected telephony provider
// and speech services.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderPlivo:
		if c.PlivoAuthID == "" || c.PlivoAuthToken == "" {
			errs = append(errs, errors.New("PLIVO_AUTH_ID and PLIVO_AUTH_TOKEN are required"))
		}
		if c.PublicURL == "" {
			errs = append(errs, errors.New("public_url is required for media stream callbacks"))
		}
	case ProviderSIP:
		if c.SIPTrunkHost == "" {
			errs = append(errs, errors.New("sip_trunk_host is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.FromNumber == "" {
		errs = append(errs, errors.New("from_number is required"))
	}
	if c.DeepgramAPIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}
	if c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	if c.ElevenLabsAPIKey == "" {
		errs = append(errs, errors.New("ELEVENLABS_API_KEY is required"))
	}
	if c.MaxCallDuration <= 0 {
		errs = append(errs, errors.New("max_call_duration must be positive"))
	}
	return errors.Join(errs...)
}

// StreamURL is the websocket address the telephony provider connects to
// for the given session.
func (c *Config) StreamURL(sessionID string) string {
	host := strings.TrimSuffix(c.PublicURL, "/")
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return "wss://" + host + "/ws?session=" + sessionID
}

// CallbackURL builds an absolute https URL under the public address.
func (c *Config) CallbackURL(path, sessionID string) string {
	base := strings.TrimSuffix(c.PublicURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + path + "?session=" + sessionID
}
