package crypto

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// DefaultProtocolVersion is the tag bound into tokens when none is configured.
const DefaultProtocolVersion = "cda-v13.3"

// ParseProtocolTag splits a tag of the form "<name>-v<version>".
func ParseProtocolTag(tag string) (string, *semver.Version, error) {
	i := strings.LastIndex(tag, "-v")
	if i <= 0 || i+2 >= len(tag) {
		return "", nil, fmt.Errorf("protocol tag %q: want <name>-v<version>", tag)
	}
	v, err := semver.NewVersion(tag[i+2:])
	if err != nil {
		return "", nil, fmt.Errorf("protocol tag %q: %w", tag, err)
	}
	return tag[:i], v, nil
}

// LatestTag returns the tag with the highest version.
func LatestTag(tags []string) (string, error) {
	var (
		best    string
		bestVer *semver.Version
	)
	for _, t := range tags {
		_, v, err := ParseProtocolTag(t)
		if err != nil {
			return "", err
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = t, v
		}
	}
	if best == "" {
		return "", fmt.Errorf("no protocol tags")
	}
	return best, nil
}

// Keyring maps protocol-version tags to key material. One tag is active
// for signing; every tag in the ring is accepted for verification, so
// rotating is Add, Activate, and later Revoke.
type Keyring[K any] struct {
	mu     sync.RWMutex
	active string
	keys   map[string]K
}

// NewKeyring creates an empty keyring.
func NewKeyring[K any]() *Keyring[K] {
	return &Keyring[K]{keys: make(map[string]K)}
}

// Add registers key under tag. The first key added becomes active.
func (k *Keyring[K]) Add(tag string, key K) error {
	if _, _, err := ParseProtocolTag(tag); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[tag] = key
	if k.active == "" {
		k.active = tag
	}
	return nil
}

// Activate selects the signing tag.
func (k *Keyring[K]) Activate(tag string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[tag]; !ok {
		return fmt.Errorf("unknown protocol tag %q", tag)
	}
	k.active = tag
	return nil
}

// Revoke removes tag; tokens bound to it stop verifying.
func (k *Keyring[K]) Revoke(tag string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, tag)
	if k.active == tag {
		k.active = ""
	}
}

// Active returns the signing tag and its key.
func (k *Keyring[K]) Active() (string, K, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var zero K
	if k.active == "" {
		return "", zero, fmt.Errorf("no active signing key")
	}
	return k.active, k.keys[k.active], nil
}

// Lookup returns the key for tag, if the tag is accepted.
func (k *Keyring[K]) Lookup(tag string) (K, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[tag]
	return key, ok
}

// Tags lists accepted tags in sorted order.
func (k *Keyring[K]) Tags() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for t := range k.keys {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
