package config

import (
	"net/http/httptest"
	"testing"
)

func TestLoadRejectsDefaultFormSealKey(t *testing.T) {
	t.Setenv("FORM_SEAL_KEY", "CHANGE_ME_PRODUCTION_FORM_KEY")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail with default form seal key")
	}
}

func TestLoadPasswordBounds(t *testing.T) {
	t.Setenv("FORM_SEAL_KEY", "this_is_a_valid_long_form_seal_key_123456")
	t.Setenv("PASSWORD_MIN_LENGTH", "16")
	t.Setenv("PASSWORD_MAX_LENGTH", "12")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail for invalid password bounds")
	}
}

func TestLoadRejectsInvalidMailSender(t *testing.T) {
	t.Setenv("FORM_SEAL_KEY", "this_is_a_valid_long_form_seal_key_123456")
	t.Setenv("MAIL_SENDER", "sendmail")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail for invalid MAIL_SENDER")
	}
}

func TestLoadRequiresCaptchaSecretWhenEnabled(t *testing.T) {
	t.Setenv("FORM_SEAL_KEY", "this_is_a_valid_long_form_seal_key_123456")
	t.Setenv("CAPTCHA_ENABLED", "true")
	t.Setenv("CAPTCHA_SECRET", "")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail without captcha secret")
	}
}

func TestLoadRequiresLegacyDSNWithDriver(t *testing.T) {
	t.Setenv("FORM_SEAL_KEY", "this_is_a_valid_long_form_seal_key_123456")
	t.Setenv("LEGACY_DB_DRIVER", "mysql")
	t.Setenv("LEGACY_DB_DSN", "")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail without legacy DSN")
	}
}

func TestResolveCookieSecureAuto(t *testing.T) {
	t.Setenv("FORM_SEAL_KEY", "this_is_a_valid_long_form_seal_key_123456")
	t.Setenv("COOKIE_SECURE_MODE", "auto")
	t.Setenv("TRUST_PROXY", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest("GET", "http://example.test", nil)
	if got := cfg.ResolveCookieSecure(req); got {
		t.Fatalf("expected http request to resolve secure=false")
	}

	req.Header.Set("X-Forwarded-Proto", "https")
	if got := cfg.ResolveCookieSecure(req); !got {
		t.Fatalf("expected proxied https request to resolve secure=true")
	}

	tlsReq := httptest.NewRequest("GET", "https://example.test", nil)
	if got := cfg.ResolveCookieSecure(tlsReq); !got {
		t.Fatalf("expected tls request to resolve secure=true")
	}
}
