// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	HeaderAPIKey    = "x-api-key-id"
	HeaderSignature = "x-signature"
	HeaderTimestamp = "x-timestamp"
)

// Signer signs and verifies the control link's initial upgrade handshake
// (method + path + timestamp), standing in for the control-plane
// authentication layer the tunnel handler assumes exists upstream of it.
type Signer struct {
	Key    string
	Secret string
	Now    func() time.Time

	// MaxSkew bounds how far a handshake's x-timestamp may drift from Now()
	// before Verify rejects it as a replay. Zero disables the check.
	MaxSkew time.Duration
}

// NewSigner constructs a signer with the provided key/secret and sane defaults.
func NewSigner(key, secret string) *Signer {
	return &Signer{
		Key:    key,
		Secret: secret,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		MaxSkew: 5 * time.Minute,
	}
}

// AttachSignature mutates the request by injecting auth headers computed from the method,
// target path, and timestamp. Used when dialing a control link as a client.
func (s *Signer) AttachSignature(req *http.Request) error {
	if s.Key == "" || s.Secret == "" {
		return fmt.Errorf("signer key and secret must be set")
	}

	timestamp := s.Now().Format(time.RFC3339)
	signature := s.sign(req.Method, req.URL.Path, timestamp)

	req.Header.Set(HeaderAPIKey, s.Key)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderTimestamp, timestamp)

	return nil
}

// Verify checks an inbound control-link upgrade request's signature headers,
// called once per accepted connection before the Tunnel Handler takes over
// (spec.md §1 treats control-plane auth as an external collaborator; this is
// the narrow hook the tunnel process owns for it).
func (s *Signer) Verify(req *http.Request) error {
	if s.Key == "" || s.Secret == "" {
		return fmt.Errorf("signer key and secret must be set")
	}

	apiKey := req.Header.Get(HeaderAPIKey)
	if apiKey != s.Key {
		return fmt.Errorf("unknown api key %q", apiKey)
	}

	timestamp := req.Header.Get(HeaderTimestamp)
	if timestamp == "" {
		return fmt.Errorf("missing %s header", HeaderTimestamp)
	}
	if s.MaxSkew > 0 {
		ts, err := time.Parse(time.RFC3339, timestamp)
		if err != nil {
			return fmt.Errorf("invalid %s header: %w", HeaderTimestamp, err)
		}
		if skew := s.Now().Sub(ts); skew > s.MaxSkew || skew < -s.MaxSkew {
			return fmt.Errorf("handshake timestamp outside allowed skew: %v", skew)
		}
	}

	want := s.sign(req.Method, req.URL.Path, timestamp)
	got := req.Header.Get(HeaderSignature)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}

func (s *Signer) sign(method, path, timestamp string) string {
	payload := strings.Join([]string{method, path, timestamp}, "\n")
	mac := hmac.New(sha256.New, []byte(s.Secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
