package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestAuthenticate(t *testing.T) {
	cfg := Config{
		Enabled:        true,
		Tokens:         map[string]string{"tok-livingroom": "living room"},
		AllowedDevices: []string{"aa:bb:cc:dd:ee:ff"},
		JWTSecret:      testSecret,
	}

	expired := signedToken(t, jwt.MapClaims{
		"device_id": "11:22:33:44:55:66",
		"exp":       time.Now().Add(-time.Hour).Unix(),
	})
	valid := signedToken(t, jwt.MapClaims{
		"device_id": "11:22:33:44:55:66",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name       string
		deviceID   string
		authHeader string
		wantErr    bool
		wantDevice string
		wantMethod string
	}{
		{
			name:       "allowlisted device skips token check",
			deviceID:   "aa:bb:cc:dd:ee:ff",
			wantDevice: "aa:bb:cc:dd:ee:ff",
			wantMethod: "allowlist",
		},
		{
			name:       "static token accepted",
			deviceID:   "de:ad:be:ef:00:01",
			authHeader: "Bearer tok-livingroom",
			wantDevice: "de:ad:be:ef:00:01",
			wantMethod: "static",
		},
		{
			name:       "jwt fills missing device id",
			authHeader: "Bearer " + valid,
			wantDevice: "11:22:33:44:55:66",
			wantMethod: "jwt",
		},
		{
			name:       "header device id wins over claim",
			deviceID:   "de:ad:be:ef:00:02",
			authHeader: "Bearer " + valid,
			wantDevice: "de:ad:be:ef:00:02",
			wantMethod: "jwt",
		},
		{
			name:       "expired jwt refused",
			authHeader: "Bearer " + expired,
			wantErr:    true,
		},
		{
			name:     "missing header refused",
			deviceID: "de:ad:be:ef:00:03",
			wantErr:  true,
		},
		{
			name:       "unknown token refused",
			deviceID:   "de:ad:be:ef:00:04",
			authHeader: "Bearer nope",
			wantErr:    true,
		},
		{
			name:       "malformed scheme refused",
			authHeader: "Basic dXNlcjpwYXNz",
			wantErr:    true,
		},
	}

	a := New(cfg)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/xiaozhi/v1/", nil)
			if tt.deviceID != "" {
				r.Header.Set("Device-Id", tt.deviceID)
			}
			if tt.authHeader != "" {
				r.Header.Set("Authorization", tt.authHeader)
			}

			id, err := a.Authenticate(r)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("err = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			if id.DeviceID != tt.wantDevice {
				t.Errorf("device = %q, want %q", id.DeviceID, tt.wantDevice)
			}
			if id.Method != tt.wantMethod {
				t.Errorf("method = %q, want %q", id.Method, tt.wantMethod)
			}
		})
	}
}

func TestDisabledAcceptsEverything(t *testing.T) {
	a := New(Config{Enabled: false})
	r := httptest.NewRequest("GET", "/xiaozhi/v1/", nil)
	r.Header.Set("Device-Id", "de:ad:be:ef:00:05")

	id, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.DeviceID != "de:ad:be:ef:00:05" || id.Method != "disabled" {
		t.Errorf("identity = %+v", id)
	}
}

func TestWrongSecretRefused(t *testing.T) {
	a := New(Config{Enabled: true, JWTSecret: "other-secret"})
	tok := signedToken(t, jwt.MapClaims{"device_id": "x", "exp": time.Now().Add(time.Hour).Unix()})

	r := httptest.NewRequest("GET", "/xiaozhi/v1/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	if _, err := a.Authenticate(r); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}
