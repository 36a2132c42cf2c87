package database

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagine-engine-server/modules/common/model"
)

// fakeRest emulates the subset of PostgREST used by the subscriptions queries.
type fakeRest struct {
	mu        sync.Mutex
	remaining int
	total     int
	exists    bool
	// conflicts makes the next N conditional updates match no rows.
	conflicts int
	patches   int
	// hideOnce makes the next GET miss an existing row, like a concurrent creator.
	hideOnce  bool
	lastPatch map[string]interface{}
}

func (f *fakeRest) row() map[string]interface{} {
	return map[string]interface{}{
		"id":              1,
		"user_id":         "user-1",
		"plan":            "free",
		"status":          "active",
		"quota_total":     f.total,
		"quota_remaining": f.remaining,
	}
}

func (f *fakeRest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !strings.HasSuffix(r.URL.Path, "/rest/v1/subscriptions") {
		w.Write([]byte("[]"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		if f.hideOnce {
			f.hideOnce = false
			w.Write([]byte("[]"))
			return
		}
		if !f.exists {
			w.Write([]byte("[]"))
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{f.row()})
	case http.MethodPost:
		if f.exists && !strings.Contains(r.Header.Get("Prefer"), "merge-duplicates") {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
			return
		}
		var body map[string]interface{}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		f.exists = true
		f.total = int(body["quota_total"].(float64))
		f.remaining = int(body["quota_remaining"].(float64))
		json.NewEncoder(w).Encode([]map[string]interface{}{f.row()})
	case http.MethodPatch:
		f.patches++
		if f.conflicts > 0 {
			f.conflicts--
			w.Write([]byte("[]"))
			return
		}
		expected := r.URL.Query().Get("quota_remaining")
		if expected != "" && expected != "eq."+itoa(f.remaining) {
			w.Write([]byte("[]"))
			return
		}
		var body map[string]interface{}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		f.lastPatch = body
		f.remaining = int(body["quota_remaining"].(float64))
		if total, ok := body["quota_total"].(float64); ok {
			f.total = int(total)
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{f.row()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestClient(t *testing.T, rest *fakeRest) *Client {
	t.Helper()
	srv := httptest.NewServer(rest)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "service-key", 10)
	require.NoError(t, err)
	return c
}

func TestConsumeQuota_CreatesFreeSubscription(t *testing.T) {
	rest := &fakeRest{}
	c := newTestClient(t, rest)

	remaining, err := c.ConsumeQuota(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)
	assert.True(t, rest.exists)
	assert.Equal(t, 9, rest.remaining)
}

func TestConsumeQuota_Exceeded(t *testing.T) {
	rest := &fakeRest{exists: true, total: 10, remaining: 2}
	c := newTestClient(t, rest)

	remaining, err := c.ConsumeQuota(context.Background(), "user-1", 3)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, 0, rest.patches)
	assert.Equal(t, 2, rest.remaining)
}

func TestConsumeQuota_RetriesOnConflict(t *testing.T) {
	rest := &fakeRest{exists: true, total: 10, remaining: 5, conflicts: 2}
	c := newTestClient(t, rest)

	remaining, err := c.ConsumeQuota(context.Background(), "user-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
	assert.Equal(t, 3, rest.patches)
}

func TestConsumeQuota_GivesUpAfterRepeatedConflicts(t *testing.T) {
	rest := &fakeRest{exists: true, total: 10, remaining: 5, conflicts: 10}
	c := newTestClient(t, rest)

	_, err := c.ConsumeQuota(context.Background(), "user-1", 1)
	require.ErrorIs(t, err, ErrQuotaConflict)
	assert.Equal(t, 5, rest.remaining)
}

func TestConsumeQuota_InvalidAmount(t *testing.T) {
	c := newTestClient(t, &fakeRest{})
	_, err := c.ConsumeQuota(context.Background(), "user-1", 0)
	require.Error(t, err)
}

func TestRefundQuota_CappedAtTotal(t *testing.T) {
	rest := &fakeRest{exists: true, total: 10, remaining: 9}
	c := newTestClient(t, rest)

	require.NoError(t, c.RefundQuota(context.Background(), "user-1", 5))
	assert.Equal(t, 10, rest.remaining)

	// already full: no update issued
	patches := rest.patches
	require.NoError(t, c.RefundQuota(context.Background(), "user-1", 1))
	assert.Equal(t, patches, rest.patches)
}

func TestFetchSubscription_NotFound(t *testing.T) {
	c := newTestClient(t, &fakeRest{})
	_, err := c.FetchSubscription(context.Background(), "user-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUsageLog_NotFound(t *testing.T) {
	c := newTestClient(t, &fakeRest{})
	err := c.DeleteUsageLog(context.Background(), "user-1", 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyPlan_UnknownPlan(t *testing.T) {
	c := newTestClient(t, &fakeRest{})
	err := c.ApplyPlan(context.Background(), "user-1", "platinum", "", "", nil)
	require.Error(t, err)
}

func TestEnsureSubscription_KeepsConcurrentlyCreatedRow(t *testing.T) {
	rest := &fakeRest{exists: true, total: 10, remaining: 9, hideOnce: true}
	c := newTestClient(t, rest)

	sub, err := c.EnsureSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 9, sub.QuotaRemaining)
	assert.Equal(t, 9, rest.remaining)
}

func TestCancelSubscription_ClampsRemainingToFreeQuota(t *testing.T) {
	rest := &fakeRest{exists: true, total: 500, remaining: 480}
	c := newTestClient(t, rest)

	require.NoError(t, c.CancelSubscription(context.Background(), "sub_123"))
	assert.Equal(t, 10, rest.total)
	assert.Equal(t, 10, rest.remaining)
	assert.Equal(t, "free", rest.lastPatch["plan"])
	assert.Equal(t, "canceled", rest.lastPatch["status"])
}

func TestCancelSubscription_KeepsLowerRemaining(t *testing.T) {
	rest := &fakeRest{exists: true, total: 500, remaining: 3}
	c := newTestClient(t, rest)

	require.NoError(t, c.CancelSubscription(context.Background(), "sub_123"))
	assert.Equal(t, 10, rest.total)
	assert.Equal(t, 3, rest.remaining)
}

func TestCancelSubscription_Unknown(t *testing.T) {
	c := newTestClient(t, &fakeRest{})
	err := c.CancelSubscription(context.Background(), "sub_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertProfile_MergesOnID(t *testing.T) {
	var gotPath, gotPrefer, gotConflict string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotPrefer = r.Header.Get("Prefer")
		gotConflict = r.URL.Query().Get("on_conflict")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "service-key", 10)
	require.NoError(t, err)

	require.NoError(t, c.UpsertProfile(context.Background(), &model.Profile{ID: "user-1", Email: "a@example.com"}))
	assert.True(t, strings.HasSuffix(gotPath, "/rest/v1/profiles"), gotPath)
	assert.Contains(t, gotPrefer, "merge-duplicates")
	assert.Equal(t, "id", gotConflict)
	assert.Equal(t, "a@example.com", body["email"])
	assert.NotContains(t, body, "locale")
}
