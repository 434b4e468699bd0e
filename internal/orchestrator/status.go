package orchestrator

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

var remoteStatus = map[string]store.Status{
	"running": store.StatusActive,
	"online":  store.StatusActive,
	"started": store.StatusActive,

	"stopped":    store.StatusStopped,
	"shutdown":   store.StatusStopped,
	"off":        store.StatusStopped,
	"paused":     store.StatusStopped,
	"suspended":  store.StatusStopped,
	"hibernated": store.StatusStopped,

	"booting":  store.StatusProvisioning,
	"starting": store.StatusProvisioning,
	"init":     store.StatusProvisioning,

	"failed": store.StatusFailed,
	"error":  store.StatusFailed,
}

// MapRemoteStatus translates a hypervisor status string. ok is false for
// unknown strings, which must leave the local status unchanged.
func MapRemoteStatus(s string) (store.Status, bool) {
	st, ok := remoteStatus[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

const (
	passwordLength   = 16
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#%*"
)

// GeneratePassword returns a login secret with each character chosen
// uniformly from passwordAlphabet.
func GeneratePassword() (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, passwordLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b[i] = passwordAlphabet[n.Int64()]
	}
	return string(b), nil
}
