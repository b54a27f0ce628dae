package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts is the number of bad signatures before a client is dropped.
const maxAuthAttempts = 3

// AuthHandler manages challenge-response authentication
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler. An empty secret
// disables authentication.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether clients must authenticate.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// SignChallenge returns the hex HMAC-SHA256 of challenge under secret. It is
// what a client sends back in auth.response.
func SignChallenge(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := SignChallenge(a.sharedSecret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifySecret compares a secret presented over HTTP in constant time.
func (a *AuthHandler) VerifySecret(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

// HandleAuthResponse processes an authentication response from a client
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{
			Event:   "auth.failure",
			Success: false,
			Message: "No challenge found",
		}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++

		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{
				Event:   "auth.failure",
				Success: false,
				Message: "Too many failed attempts",
			}
		}

		return AuthResult{
			Event:   "auth.failure",
			Success: false,
			Message: "Invalid signature",
		}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{
		Event:   "auth.success",
		Success: true,
	}
}
