package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/distrokit/internal/logging"
)

const testWebhookSecret = "whsec_test_secret"

type recordingSyncer struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (r *recordingSyncer) SyncCustomer(_ context.Context, customerRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, customerRef)
	return r.err
}

func signPayload(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":"2024-09-30.acacia","type":%q,"data":{"object":%s}}`,
		eventType, object))
}

func newWebhookRouter(secret string, syncer CustomerSyncer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewWebhookHandler(secret, syncer, logging.Discard()).RegisterRoutes(r)
	return r
}

func postWebhook(r http.Handler, payload []byte, sig string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(string(payload)))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_SubscriptionUpdatedSyncsCustomer(t *testing.T) {
	syncer := &recordingSyncer{}
	r := newWebhookRouter(testWebhookSecret, syncer)

	payload := eventPayload("customer.subscription.updated", subscriptionJSON)
	w := postWebhook(r, payload, signPayload(testWebhookSecret, payload, time.Now()))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
	assert.Equal(t, []string{"cus_abc"}, syncer.refs)
}

func TestWebhook_InvoicePaidSyncsCustomer(t *testing.T) {
	syncer := &recordingSyncer{}
	r := newWebhookRouter(testWebhookSecret, syncer)

	payload := eventPayload("invoice.paid", `{"id":"in_1","object":"invoice","customer":"cus_inv"}`)
	w := postWebhook(r, payload, signPayload(testWebhookSecret, payload, time.Now()))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"cus_inv"}, syncer.refs)
}

func TestWebhook_BadSignatureRejectedWithoutProcessing(t *testing.T) {
	syncer := &recordingSyncer{}
	r := newWebhookRouter(testWebhookSecret, syncer)
	payload := eventPayload("customer.subscription.deleted", subscriptionJSON)

	tests := []struct {
		name string
		sig  string
	}{
		{name: "missing header", sig: ""},
		{name: "wrong secret", sig: signPayload("whsec_other", payload, time.Now())},
		{name: "stale timestamp", sig: signPayload(testWebhookSecret, payload, time.Now().Add(-time.Hour))},
		{name: "garbage", sig: "t=1,v1=deadbeef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postWebhook(r, payload, tt.sig)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "signature_verification_failed")
		})
	}
	assert.Empty(t, syncer.refs)
}

func TestWebhook_TamperedPayloadRejected(t *testing.T) {
	syncer := &recordingSyncer{}
	r := newWebhookRouter(testWebhookSecret, syncer)

	payload := eventPayload("customer.subscription.updated", subscriptionJSON)
	sig := signPayload(testWebhookSecret, payload, time.Now())
	tampered := []byte(strings.Replace(string(payload), "cus_abc", "cus_evil", 1))

	w := postWebhook(r, tampered, sig)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, syncer.refs)
}

func TestWebhook_ProcessingErrorReturns500(t *testing.T) {
	syncer := &recordingSyncer{err: errors.New("billing down")}
	r := newWebhookRouter(testWebhookSecret, syncer)

	payload := eventPayload("customer.subscription.created", subscriptionJSON)
	w := postWebhook(r, payload, signPayload(testWebhookSecret, payload, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhook_UnhandledTypeAcknowledged(t *testing.T) {
	syncer := &recordingSyncer{}
	r := newWebhookRouter(testWebhookSecret, syncer)

	payload := eventPayload("charge.refunded", `{"id":"ch_1","object":"charge"}`)
	w := postWebhook(r, payload, signPayload(testWebhookSecret, payload, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, syncer.refs)
}

func TestWebhook_NotConfigured(t *testing.T) {
	r := newWebhookRouter("", &recordingSyncer{})
	w := postWebhook(r, []byte(`{}`), "t=1,v1=00")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
