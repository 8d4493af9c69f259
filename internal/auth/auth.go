// Package auth gates WebSocket upgrades. Three acceptance paths, tried in
// order: device allowlist, static bearer-token table, signed-token (JWT)
// verification. A connection that fails all three is refused before any
// audio flows.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized refuses a connection. The server closes the socket without
// an upgrade when Authenticate returns it.
var ErrUnauthorized = errors.New("auth: unauthorized")

// deviceIDClaim is the JWT claim carrying the device identifier.
const deviceIDClaim = "device_id"

// Config holds the authentication settings.
type Config struct {
	// Enabled turns authentication on. When false every connection is
	// accepted and the device id is taken from the header as-is.
	Enabled bool

	// Tokens maps static bearer tokens to a human-readable name.
	Tokens map[string]string

	// AllowedDevices is the device-id allowlist. A listed device skips token
	// checks entirely.
	AllowedDevices []string

	// JWTSecret enables the signed-token fallback for tokens not in the
	// static table. HS256 only.
	JWTSecret string
}

// Identity describes an accepted connection.
type Identity struct {
	// DeviceID is the device identifier, from the Device-Id header or, for
	// JWT acceptance, from the token claims when the header is absent.
	DeviceID string

	// TokenName is the static table name of the presented token, if any.
	TokenName string

	// Method is the acceptance path: disabled, allowlist, static, or jwt.
	Method string
}

// Option is a functional option for the Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) { a.log = l }
}

// Authenticator checks upgrade requests against the configured credentials.
// Safe for concurrent use.
type Authenticator struct {
	cfg     Config
	allowed map[string]struct{}
	log     *slog.Logger
}

// New creates an Authenticator.
func New(cfg Config, opts ...Option) *Authenticator {
	a := &Authenticator{
		cfg:     cfg,
		allowed: make(map[string]struct{}, len(cfg.AllowedDevices)),
		log:     slog.Default(),
	}
	for _, id := range cfg.AllowedDevices {
		a.allowed[id] = struct{}{}
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Authenticate validates one upgrade request.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	deviceID := r.Header.Get("Device-Id")

	if !a.cfg.Enabled {
		return Identity{DeviceID: deviceID, Method: "disabled"}, nil
	}

	if _, ok := a.allowed[deviceID]; ok && deviceID != "" {
		a.log.Info("auth: device allowlisted", "device", deviceID)
		return Identity{DeviceID: deviceID, Method: "allowlist"}, nil
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		a.log.Warn("auth: missing bearer token", "device", deviceID)
		return Identity{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	if name, ok := a.cfg.Tokens[token]; ok {
		a.log.Info("auth: static token accepted", "device", deviceID, "token_name", name)
		return Identity{DeviceID: deviceID, TokenName: name, Method: "static"}, nil
	}

	if a.cfg.JWTSecret != "" {
		if id, err := a.verifyJWT(token); err == nil {
			if deviceID == "" {
				deviceID = id
			}
			a.log.Info("auth: signed token accepted", "device", deviceID)
			return Identity{DeviceID: deviceID, Method: "jwt"}, nil
		} else {
			a.log.Warn("auth: signed token rejected", "device", deviceID, "error", err)
		}
	}

	return Identity{}, fmt.Errorf("%w: unknown token", ErrUnauthorized)
}

// verifyJWT validates the token signature and returns the device id claim.
func (a *Authenticator) verifyJWT(raw string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("auth: unexpected claims shape")
	}
	id, _ := claims[deviceIDClaim].(string)
	return id, nil
}
