package core

import (
	"crypto/rand"
	"encoding/base64"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// IDLength is the length of generated record identifiers.
const IDLength = 32

// UniqueID returns a new random record identifier of IDLength ASCII letters.
func UniqueID() string {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}

// SecretID returns a new url-safe secret, suitable as a bearer token.
func SecretID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
