package utils

import (
	"os"
	"sync"
	"time"

	"golang.org/x/exp/rand"
)

func GetEnv(key, fallback string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return fallback
	}
	return value
}

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	randMu sync.Mutex
	rng    = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
)

// RandomString is good enough for OAuth state values, not for secrets.
func RandomString(length int) string {
	randMu.Lock()
	defer randMu.Unlock()
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rng.Intn(len(charset))]
	}
	return string(b)
}
