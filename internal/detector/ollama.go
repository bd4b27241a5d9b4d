package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaDetector asks GET /api/version and accepts any reply carrying a version.
type OllamaDetector struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

type ollamaVersion struct {
	Version string `json:"version"`
}

// Version returns the version reported by the Ollama API.
func (d OllamaDetector) Version(ctx context.Context) (string, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(d.BaseURL, "/")+"/api/version", nil)
	if err != nil {
		return "", err
	}
	c := d.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var v ollamaVersion
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&v); err != nil {
		return "", err
	}
	if v.Version == "" {
		return "", errors.New("response carries no version")
	}
	return v.Version, nil
}

// Detect never reports an error: anything but a versioned reply means no
// compatible instance.
func (d OllamaDetector) Detect(ctx context.Context) (bool, error) {
	_, err := d.Version(ctx)
	return err == nil, nil
}

func (d OllamaDetector) Describe() string { return "ollama:" + d.BaseURL }
