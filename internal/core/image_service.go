package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/config"
)

const (
	imageSize           = 1024
	defaultPollInterval = 5 * time.Second
)

var (
	errImageNotConfigured = errors.New("image API key is not set")
	errImageFailed        = errors.New("image task failed")
)

// ImageGenerator turns a prompt into an image URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// ImageService drives an asynchronous txt2img task API: submit a task, then
// poll it until it completes or fails.
type ImageService struct {
	httpClient   *http.Client
	apiKey       string
	apiURL       string
	model        string
	pollInterval time.Duration
	timeout      time.Duration
	log          *zap.Logger
}

func NewImageService(cfg config.ImageConfig, log *zap.Logger) *ImageService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &ImageService{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		apiKey:       cfg.APIKey,
		apiURL:       strings.TrimSuffix(cfg.APIURL, "/"),
		model:        cfg.Model,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		log:          log.Named("image"),
	}
}

type taskRequest struct {
	Model    string    `json:"model"`
	TaskType string    `json:"task_type"`
	Input    taskInput `json:"input"`
}

type taskInput struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type taskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Output struct {
		ImageURL string `json:"image_url"`
	} `json:"output"`
	Error json.RawMessage `json:"error,omitempty"`
}

// GenerateImage returns the URL of the generated image. Any error means no
// image was produced.
func (s *ImageService) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if s.apiKey == "" {
		return "", errImageNotConfigured
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	submitted, err := s.do(ctx, http.MethodPost, s.apiURL, taskRequest{
		Model:    s.model,
		TaskType: "txt2img",
		Input:    taskInput{Prompt: prompt, Width: imageSize, Height: imageSize},
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit image task: %w", err)
	}
	if submitted.TaskID == "" {
		return "", fmt.Errorf("image API returned no task id")
	}
	s.log.Info("Image task submitted", zap.String("task_id", submitted.TaskID))

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	pollURL := s.apiURL + "/" + submitted.TaskID
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("image task %s: %w", submitted.TaskID, ctx.Err())
		case <-ticker.C:
		}

		task, err := s.do(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return "", fmt.Errorf("failed to poll image task %s: %w", submitted.TaskID, err)
		}
		s.log.Debug("Image task status", zap.String("task_id", submitted.TaskID), zap.String("status", task.Status))

		switch task.Status {
		case "pending", "processing":
			continue
		case "completed":
			if task.Output.ImageURL == "" {
				return "", fmt.Errorf("image task %s completed without an image: %w", submitted.TaskID, errImageFailed)
			}
			return task.Output.ImageURL, nil
		default:
			return "", fmt.Errorf("image task %s ended with status %q (%s): %w",
				submitted.TaskID, task.Status, string(task.Error), errImageFailed)
		}
	}
}

func (s *ImageService) do(ctx context.Context, method, url string, body any) (*taskResponse, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var task taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &task, nil
}
