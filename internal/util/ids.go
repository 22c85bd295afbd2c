package util

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

const idLength = 21

// NewID returns a lowercase nanoid, optionally prefixed ("dedup_", "arch_").
func NewID(prefix string) string {
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		// Generate only fails for invalid alphabets or sizes.
		panic(err)
	}
	return prefix + id
}

// NewRebuildID returns the identifier used for rebuild jobs and archive keys.
func NewRebuildID() string {
	return uuid.NewString()
}
