package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_BilingualEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	QuotaExceeded(rec)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Success bool      `json:"success"`
		Error   ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "quota_exceeded", body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
	assert.NotEmpty(t, body.Error.MessageZh)
}

func TestSSE_Send(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := NewSSE(rec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, sse.Send("image", map[string]int{"index": i}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, sse.Send("done", map[string]bool{"ok": true}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Equal(t, 5, strings.Count(body, "event: image\n"))
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: {\"ok\":true}\n\n"))
}
