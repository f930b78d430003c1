package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, "streamherald", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestAuthorizeBearerAcceptsValidToken(t *testing.T) {
	token := mustTestJWT(t, "secret", "ops", []string{"admin:read", "admin:manage"}, time.Now().Add(time.Hour))
	claims, authErr := authorizeBearer("Bearer "+token, "secret", "admin:read", time.Now().UTC())
	if authErr != nil {
		t.Fatalf("unexpected auth error: %v", authErr)
	}
	if claims.Subject != "ops" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if _, ok := claims.Scopes["admin:manage"]; !ok {
		t.Fatalf("expected admin:manage scope present")
	}
}

func TestAuthorizeBearerRejectsWrongSecret(t *testing.T) {
	token := mustTestJWT(t, "other-secret", "ops", []string{"admin:read"}, time.Now().Add(time.Hour))
	if _, authErr := authorizeBearer("Bearer "+token, "secret", "admin:read", time.Now().UTC()); authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for wrong signing secret, got %v", authErr)
	}
}

func TestAuthorizeBearerRejectsExpiredToken(t *testing.T) {
	token := mustTestJWT(t, "secret", "ops", []string{"admin:read"}, time.Now().Add(-time.Minute))
	if _, authErr := authorizeBearer("Bearer "+token, "secret", "admin:read", time.Now().UTC()); authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for expired token, got %v", authErr)
	}
}

func TestAuthorizeBearerRejectsWrongAudience(t *testing.T) {
	token := mustTestJWTWithAudience(t, "secret", "ops", []string{"admin:read"}, "other-service", time.Now().Add(time.Hour))
	if _, authErr := authorizeBearer("Bearer "+token, "secret", "admin:read", time.Now().UTC()); authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for wrong audience, got %v", authErr)
	}
}

func TestAuthorizeBearerRejectsMissingScope(t *testing.T) {
	token := mustTestJWT(t, "secret", "ops", []string{"admin:read"}, time.Now().Add(time.Hour))
	if _, authErr := authorizeBearer("Bearer "+token, "secret", "admin:manage", time.Now().UTC()); authErr == nil || authErr.status != 403 {
		t.Fatalf("expected 403 for missing scope, got %v", authErr)
	}
}

func TestAuthorizeBearerRejectsMalformedHeader(t *testing.T) {
	if _, authErr := authorizeBearer("Token abc", "secret", "admin:read", time.Now().UTC()); authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for non-bearer header, got %v", authErr)
	}
	if _, authErr := authorizeBearer("Bearer not.a.jwt.extra", "secret", "admin:read", time.Now().UTC()); authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for malformed jwt, got %v", authErr)
	}
}

func TestVerifySignatureRejectsBadPrefix(t *testing.T) {
	body := []byte(`{"event":{}}`)
	if verifySignature("secret", "msg", "ts", body, "md5=abcdef") {
		t.Fatalf("non-sha256 prefix must be rejected")
	}
	if verifySignature("secret", "msg", "ts", body, "") {
		t.Fatalf("empty signature must be rejected")
	}
	if verifySignature("", "msg", "ts", body, "sha256=abcdef") {
		t.Fatalf("empty secret must be rejected")
	}
}

func TestTimestampWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Minute).Format(time.RFC3339Nano)
	if !timestampWithinWindow(fresh, now, 10*time.Minute) {
		t.Fatalf("fresh timestamp must pass")
	}
	stale := now.Add(-11 * time.Minute).Format(time.RFC3339Nano)
	if timestampWithinWindow(stale, now, 10*time.Minute) {
		t.Fatalf("stale timestamp must fail")
	}
	if timestampWithinWindow("not-a-time", now, 10*time.Minute) {
		t.Fatalf("unparseable timestamp must fail")
	}
}
