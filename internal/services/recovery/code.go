// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package recovery

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// MaxCodeLength keeps 10^n within int64.
const MaxCodeLength = 18

// GenerateCode returns a uniformly random decimal code of exactly length
// digits, leading zeros included.
func GenerateCode(length int) (string, error) {
	if length <= 0 || length > MaxCodeLength {
		return "", fmt.Errorf("code length must be between 1 and %d, got %d", MaxCodeLength, length)
	}

	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}

	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}
