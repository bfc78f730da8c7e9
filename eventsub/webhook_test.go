package eventsub

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testSecret = "s3cret-key"

func signedRequest(t *testing.T, msgType, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/eventsub/webhook", strings.NewReader(body))
	req.Header.Set(HeaderMessageID, "msg-1")
	req.Header.Set(HeaderMessageTimestamp, "2026-08-30T12:00:00Z")
	req.Header.Set(HeaderMessageType, msgType)
	req.Header.Set(HeaderSignature, ComputeSignature(testSecret, "msg-1", "2026-08-30T12:00:00Z", []byte(body)))
	return req
}

func TestDispatcher_ChallengeEcho(t *testing.T) {
	d := &Dispatcher{Secret: testSecret}
	body := `{"challenge":"abc123","subscription":{"type":"stream.online"}}`

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, signedRequest(t, messageTypeVerification, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	respBody, _ := io.ReadAll(rec.Body)
	if string(respBody) != "abc123" {
		t.Errorf("body = %q, want raw challenge abc123", respBody)
	}
}

func TestDispatcher_RejectsBadSignature(t *testing.T) {
	var sigFailures int
	d := &Dispatcher{Secret: testSecret, OnSignatureFailure: func() { sigFailures++ }}
	handled := false
	d.Handle(TypeStreamOffline, func(n *Notification) { handled = true })

	body := `{"subscription":{"type":"stream.offline"},"event":{}}`
	req := signedRequest(t, messageTypeNotification, body)
	// Flip one character of the hex digest.
	sig := req.Header.Get(HeaderSignature)
	last := sig[len(sig)-1]
	flip := byte('0')
	if last == '0' {
		flip = '1'
	}
	req.Header.Set(HeaderSignature, sig[:len(sig)-1]+string(flip))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if handled {
		t.Error("handler ran on forged delivery")
	}
	if sigFailures != 1 {
		t.Errorf("signature failure hook fired %d times, want 1", sigFailures)
	}
}

func TestDispatcher_RejectsBodyTampering(t *testing.T) {
	d := &Dispatcher{Secret: testSecret}
	body := `{"subscription":{"type":"stream.offline"},"event":{"broadcaster_user_id":"b1"}}`
	req := signedRequest(t, messageTypeNotification, body)
	// Keep the signature, swap the body.
	tampered := strings.Replace(body, "b1", "b2", 1)
	req.Body = io.NopCloser(strings.NewReader(tampered))
	req.ContentLength = int64(len(tampered))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestDispatcher_DispatchesNotification(t *testing.T) {
	var notified []string
	d := &Dispatcher{Secret: testSecret, OnNotification: func(et string) { notified = append(notified, et) }}
	var got *Notification
	d.Handle(TypeStreamOffline, func(n *Notification) { got = n })

	body := `{"subscription":{"id":"sub1","type":"stream.offline","version":"1","condition":{"broadcaster_user_id":"b1"}},"event":{"broadcaster_user_id":"b1","broadcaster_user_login":"streamer"}}`
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, signedRequest(t, messageTypeNotification, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.Subscription.Condition["broadcaster_user_id"] != "b1" {
		t.Errorf("condition = %v", got.Subscription.Condition)
	}
	if !strings.Contains(string(got.Event), "broadcaster_user_login") {
		t.Errorf("event payload = %s", got.Event)
	}
	if len(notified) != 1 || notified[0] != TypeStreamOffline {
		t.Errorf("notification hook = %v", notified)
	}
}

func TestDispatcher_AcksUnhandledEventType(t *testing.T) {
	d := &Dispatcher{Secret: testSecret}
	body := `{"subscription":{"type":"channel.follow","version":"2"},"event":{}}`
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, signedRequest(t, messageTypeNotification, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestDispatcher_AcksMalformedNotification(t *testing.T) {
	d := &Dispatcher{Secret: testSecret}
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, signedRequest(t, messageTypeNotification, `{not json`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestDispatcher_MalformedChallengeIs500(t *testing.T) {
	d := &Dispatcher{Secret: testSecret}
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, signedRequest(t, messageTypeVerification, `{not json`))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestDispatcher_AcksRevocation(t *testing.T) {
	d := &Dispatcher{Secret: testSecret}
	body := `{"subscription":{"id":"sub1","type":"stream.online","version":"1"}}`
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, signedRequest(t, messageTypeRevocation, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestComputeSignature_Format(t *testing.T) {
	sig := ComputeSignature("secret", "id", "ts", []byte("body"))
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature = %q, want sha256= prefix", sig)
	}
	if len(sig) != len("sha256=")+64 {
		t.Errorf("signature length = %d, want hex sha256 digest", len(sig))
	}
	if sig != ComputeSignature("secret", "id", "ts", []byte("body")) {
		t.Error("signature not deterministic")
	}
	if sig == ComputeSignature("other", "id", "ts", []byte("body")) {
		t.Error("signature ignores secret")
	}
}
