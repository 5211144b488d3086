package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azhengyongqin/dispatch-hub/internal/model"
	workers "github.com/azhengyongqin/dispatch-hub/internal/worker"
)

func TestHTTP_Assign(t *testing.T) {
	var received model.Task
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tasks", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHTTP(time.Second)
	worker := workers.Config{WorkerName: "w1", BaseURL: srv.URL}
	task := &model.Task{ID: "t1", Priority: model.PriorityP0}

	err := h.Assign(context.Background(), worker, task)
	require.NoError(t, err)
	assert.Equal(t, "t1", received.ID)
	assert.Equal(t, model.PriorityP0, received.Priority)
}

func TestHTTP_AssignErrors(t *testing.T) {
	t.Run("missing base_url", func(t *testing.T) {
		h := NewHTTP(time.Second)
		err := h.Assign(context.Background(), workers.Config{WorkerName: "w1"}, &model.Task{ID: "t1"})
		assert.Error(t, err)
	})

	t.Run("worker rejects", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "at capacity", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		h := NewHTTP(time.Second)
		err := h.Assign(context.Background(), workers.Config{WorkerName: "w1", BaseURL: srv.URL}, &model.Task{ID: "t1"})
		assert.Error(t, err, "非 2xx 响应应视为信号失败")
	})
}

func TestHTTP_Cancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/t1/cancel", r.URL.Path)
		// 任务已结束：404 不算错误
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := NewHTTP(time.Second)
	err := h.Cancel(context.Background(), workers.Config{WorkerName: "w1", BaseURL: srv.URL}, "t1")
	assert.NoError(t, err)
}
