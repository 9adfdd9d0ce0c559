// Package auth implements the controlled-room authorization scheme: room
// names carry a hash derived from the room base name, an operator password
// and the server salt. It also owns the MD5 server-password digest that is
// part of the wire contract with existing clients.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var (
	// ErrNotControlledRoom means the room name does not carry a room hash.
	ErrNotControlledRoom = errors.New("not a controlled room")
	// ErrInvalidPassword means the operator password has the wrong shape.
	ErrInvalidPassword = errors.New("invalid room password format")
)

var (
	controlledRoomRegex = regexp.MustCompile(`^\+(.*):(\w{12})$`)
	passwordRegex       = regexp.MustCompile(`^[A-Z]{2}-\d{3}-\d{3}$`)
)

// IsControlledRoom reports whether roomName is shaped like a controlled room
// ("+<base>:<12-hex>").
func IsControlledRoom(roomName string) bool {
	return controlledRoomRegex.MatchString(roomName)
}

// CheckRoomPassword verifies password against the hash embedded in roomName.
// The password shape is validated before the room name, so a malformed
// password fails the same way regardless of the room.
func CheckRoomPassword(roomName, password, salt string) (bool, error) {
	if password == "" || !passwordRegex.MatchString(password) {
		return false, ErrInvalidPassword
	}
	if roomName == "" {
		return false, ErrNotControlledRoom
	}
	m := controlledRoomRegex.FindStringSubmatch(roomName)
	if m == nil {
		return false, ErrNotControlledRoom
	}
	return m[2] == computeRoomHash(m[1], password, salt), nil
}

// ControlledRoomName derives the full controlled-room name for a base name
// and password.
func ControlledRoomName(roomName, password, salt string) string {
	return "+" + roomName + ":" + computeRoomHash(roomName, password, salt)
}

func computeRoomHash(roomName, password, salt string) string {
	saltHex := sha256Hex(salt)
	provisionalHex := sha256Hex(roomName + saltHex)
	sum := sha1.Sum([]byte(provisionalHex + saltHex + password))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:12])
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashServerPassword digests the plaintext server password the way clients
// send it in Hello. MD5 is part of the wire contract, not a security
// primitive.
func HashServerPassword(password string) string {
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

// RandomServerSalt generates the salt used when none was configured:
// 10 random uppercase letters.
func RandomServerSalt() string {
	return randomString(10, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
}

// RandomRoomPassword generates an operator password of the canonical
// LL-DDD-DDD shape with independently chosen digits.
func RandomRoomPassword() string {
	return fmt.Sprintf("%s-%s-%s",
		randomString(2, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"),
		randomString(3, "0123456789"),
		randomString(3, "0123456789"))
}

func randomString(length int, alphabet string) string {
	var b strings.Builder
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String()
}
