package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSecretString_StringIsRedacted(t *testing.T) {
	secret := SecretString("postgres://user:hunter2@db:5432/queryline")

	if got := secret.String(); got != "***REDACTED***" {
		t.Errorf("String() = %q, want redacted placeholder", got)
	}
	if got := fmt.Sprintf("url=%v", secret); strings.Contains(got, "hunter2") {
		t.Errorf("fmt verb leaked the secret: %q", got)
	}
	if got := fmt.Sprintf("%s", secret); got != "***REDACTED***" {
		t.Errorf("%%s leaked the secret: %q", got)
	}
}

func TestSecretString_MarshalJSONIsRedacted(t *testing.T) {
	payload := struct {
		Token SecretString `json:"token"`
	}{Token: "tok_super_secret"}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), "tok_super_secret") {
		t.Errorf("JSON leaked the secret: %s", data)
	}
	if !strings.Contains(string(data), "***REDACTED***") {
		t.Errorf("JSON missing placeholder: %s", data)
	}
}

func TestSecretString_UnmaskReturnsPlaintext(t *testing.T) {
	secret := SecretString("tok_super_secret")
	if secret.Unmask() != "tok_super_secret" {
		t.Errorf("Unmask() = %q", secret.Unmask())
	}
}

func TestToken_Valid(t *testing.T) {
	now := time.Date(2025, 9, 8, 9, 0, 0, 0, time.UTC)
	token := Token{AccessToken: "tok", ExpiresAt: now.Add(5 * time.Minute)}

	if !token.Valid(now, 0) {
		t.Error("token expiring in 5m must be valid with no skew")
	}
	if token.Valid(now, 10*time.Minute) {
		t.Error("token expiring in 5m must be invalid with a 10m skew")
	}
	if (Token{}).Valid(now, 0) {
		t.Error("empty token must be invalid")
	}
}
