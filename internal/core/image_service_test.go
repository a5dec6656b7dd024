package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/config"
)

func newImageServer(t *testing.T, statuses ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/task":
			var req taskRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskType != "txt2img" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"task_id": "t1"})
		case r.Method == http.MethodGet && r.URL.Path == "/task/t1":
			i := int(polls.Add(1)) - 1
			status := statuses[min(i, len(statuses)-1)]
			resp := map[string]any{"status": status}
			if status == "completed" {
				resp["output"] = map[string]string{"image_url": "https://img.example/1.png"}
			}
			json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestImageService(url, key string) *ImageService {
	return NewImageService(config.ImageConfig{
		APIKey:       key,
		APIURL:       url + "/task",
		Model:        "flux",
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
	}, zap.NewNop())
}

func TestGenerateImagePollsUntilCompleted(t *testing.T) {
	srv, polls := newImageServer(t, "pending", "processing", "completed")
	svc := newTestImageService(srv.URL, "secret")

	url, err := svc.GenerateImage(context.Background(), "a sunny beach")
	require.NoError(t, err)
	require.Equal(t, "https://img.example/1.png", url)
	require.EqualValues(t, 3, polls.Load())
}

func TestGenerateImageFailedTask(t *testing.T) {
	srv, _ := newImageServer(t, "pending", "failed")
	svc := newTestImageService(srv.URL, "secret")

	url, err := svc.GenerateImage(context.Background(), "x")
	require.ErrorIs(t, err, errImageFailed)
	require.Empty(t, url)
}

func TestGenerateImageRejectedRequest(t *testing.T) {
	srv, _ := newImageServer(t, "completed")
	svc := newTestImageService(srv.URL, "wrong")

	_, err := svc.GenerateImage(context.Background(), "x")
	require.Error(t, err)
}

func TestGenerateImageNotConfigured(t *testing.T) {
	svc := newTestImageService("http://unused", "")
	_, err := svc.GenerateImage(context.Background(), "x")
	require.ErrorIs(t, err, errImageNotConfigured)
}

func TestGenerateImageHonoursContext(t *testing.T) {
	srv, _ := newImageServer(t, "pending")
	svc := newTestImageService(srv.URL, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.GenerateImage(ctx, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
