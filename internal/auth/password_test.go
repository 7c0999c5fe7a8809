package auth

import "testing"

func TestHashAndVerifyPassword(t *testing.T) {
	h, err := HashPassword("Feuerwehr123!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyPassword(h, "Feuerwehr123!") {
		t.Fatalf("expected password to verify")
	}
	if VerifyPassword(h, "feuerwehr123!") {
		t.Fatalf("expected wrong password to fail")
	}
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	if VerifyPassword("$bcrypt$whatever", "pw") {
		t.Fatalf("expected malformed hash to fail verification")
	}
}

func TestNewOpaqueTokenIsUniqueAndHashable(t *testing.T) {
	raw1, hash1, err := NewOpaqueToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	raw2, hash2, err := NewOpaqueToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if raw1 == raw2 || hash1 == hash2 {
		t.Fatalf("expected distinct tokens")
	}
	if HashToken(raw1) != hash1 {
		t.Fatalf("HashToken mismatch")
	}
	if len(raw1) < 43 { // 32 bytes base64url
		t.Fatalf("token too short: %d", len(raw1))
	}
}
