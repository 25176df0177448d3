// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package recovery

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/securecookie"
)

const continuationName = "recovery_continuation"

// Continuation is what a verified code entitles the client to: changing the
// password of Email through the record OtpID.
type Continuation struct {
	OtpID      string    `json:"otp_id"`
	Email      string    `json:"email"`
	VerifiedAt time.Time `json:"verified_at"`
}

// TokenCodec signs, and with a block key encrypts, continuation tokens.
type TokenCodec struct {
	sc *securecookie.SecureCookie
}

// NewTokenCodec creates a codec. hashKey must be 32 or 64 bytes; blockKey
// is optional and must be a valid AES key length when present.
func NewTokenCodec(hashKey, blockKey []byte, maxAge time.Duration) (*TokenCodec, error) {
	if len(hashKey) != 32 && len(hashKey) != 64 {
		return nil, fmt.Errorf("token hash key must be 32 or 64 bytes, got %d", len(hashKey))
	}
	switch len(blockKey) {
	case 0:
		blockKey = nil
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("token block key must be 16, 24 or 32 bytes, got %d", len(blockKey))
	}

	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	sc.MaxAge(max(int(maxAge.Seconds()), 1))
	return &TokenCodec{sc: sc}, nil
}

// ParseKeys decodes hex keys from configuration. An empty hash key yields
// a random one and generated is true; tokens then do not survive restarts.
func ParseKeys(hashHex, blockHex string) (hashKey, blockKey []byte, generated bool, err error) {
	if hashHex == "" {
		hashKey = securecookie.GenerateRandomKey(32)
		if hashKey == nil {
			return nil, nil, false, errors.New("generate token hash key")
		}
		generated = true
	} else if hashKey, err = hex.DecodeString(hashHex); err != nil {
		return nil, nil, false, fmt.Errorf("decode token hash key: %w", err)
	}

	if blockHex != "" {
		if blockKey, err = hex.DecodeString(blockHex); err != nil {
			return nil, nil, false, fmt.Errorf("decode token block key: %w", err)
		}
	}
	return hashKey, blockKey, generated, nil
}

func (c *TokenCodec) Encode(cont Continuation) (string, error) {
	return c.sc.Encode(continuationName, cont)
}

// Decode verifies a token and returns its content. Tampered, foreign and
// expired tokens all fail.
func (c *TokenCodec) Decode(token string) (*Continuation, error) {
	var cont Continuation
	if err := c.sc.Decode(continuationName, token, &cont); err != nil {
		return nil, err
	}
	if cont.OtpID == "" || cont.Email == "" {
		return nil, errors.New("continuation token is incomplete")
	}
	return &cont, nil
}
