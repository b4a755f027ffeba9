// Package config reads the client's settings from the environment. Command
// line flags in main override whatever is loaded here.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const DefaultAPIURL = "http://localhost:8080/api"

type Config struct {
	APIURL           string
	APIToken         string
	SessionID        string
	FeedbackModel    string
	FeedbackLanguage string
	STTModel         string
	TTSModel         string
	TTSVoice         string
	MetricsAddr      string
}

// Load reads envFile when it exists and then the VIVA_* variables. Values
// already present in the process environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return Config{
		APIURL:           strings.TrimRight(envOrDefault("VIVA_API_URL", DefaultAPIURL), "/"),
		APIToken:         os.Getenv("VIVA_API_TOKEN"),
		SessionID:        os.Getenv("VIVA_SESSION_ID"),
		FeedbackModel:    os.Getenv("VIVA_FEEDBACK_MODEL"),
		FeedbackLanguage: envOrDefault("VIVA_FEEDBACK_LANGUAGE", "en"),
		STTModel:         os.Getenv("VIVA_STT_MODEL"),
		TTSModel:         os.Getenv("VIVA_TTS_MODEL"),
		TTSVoice:         os.Getenv("VIVA_TTS_VOICE"),
		MetricsAddr:      os.Getenv("VIVA_METRICS_ADDR"),
	}, nil
}

func (c Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("api url is required (VIVA_API_URL or -api)")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api url %q", c.APIURL)
	}
	if c.SessionID == "" {
		return errors.New("session id is required (VIVA_SESSION_ID or -session)")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
