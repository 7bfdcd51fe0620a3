package peacelink

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// OTPDigits is the length of the delivery confirmation code.
const OTPDigits = 6

// GenerateOTP returns a random numeric delivery code and its hash.
// Only the hash is persisted; the code goes to the buyer's phone after
// commit.
func GenerateOTP() (code, hash string) {
	max := big.NewInt(1)
	for i := 0; i < OTPDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	code = fmt.Sprintf("%0*d", OTPDigits, n.Int64())
	return code, HashOTP(code)
}

// HashOTP returns the hex SHA-256 of a delivery code.
func HashOTP(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// VerifyOTP compares a submitted code against the stored hash in
// constant time.
func VerifyOTP(storedHash, code string) bool {
	if storedHash == "" {
		return false
	}
	candidate := HashOTP(code)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidate)) == 1
}
