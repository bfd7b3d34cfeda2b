package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// PASETO v4.local: XChaCha20 encryption with a keyed BLAKE2b MAC over
// PAE(header, nonce, ciphertext, footer, implicit). The footer carries
// the protocol-version tag.
const (
	pasetoHeader    = "v4.local."
	pasetoNonceSize = 32
	pasetoMACSize   = 32
	pasetoKeySize   = 32
)

var (
	errPasetoHeader = errors.New("not a v4.local token")
	errPasetoFormat = errors.New("malformed v4.local token")
	errPasetoAuth   = errors.New("token authentication failed")
)

var b64 = base64.RawURLEncoding

// PasetoCodec signs and verifies v4.local tokens with symmetric keys.
type PasetoCodec struct {
	keys *Keyring[[]byte]
	rand io.Reader
}

// NewPasetoCodec returns a codec over keys. Keys must be 32 bytes.
func NewPasetoCodec(keys *Keyring[[]byte]) *PasetoCodec {
	return &PasetoCodec{keys: keys, rand: rand.Reader}
}

func (c *PasetoCodec) Sign(m *contracts.Manifest) (contracts.Token, error) {
	tag, key, err := c.keys.Active()
	if err != nil {
		return "", err
	}
	payload, err := EncodeManifest(m)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, pasetoNonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	tok, err := pasetoEncrypt(key, nonce, payload, []byte(tag), nil)
	if err != nil {
		return "", err
	}
	return contracts.Token(tok), nil
}

func (c *PasetoCodec) Verify(token contracts.Token) (*contracts.Manifest, error) {
	footer, err := pasetoFooter(string(token))
	if err != nil {
		return nil, contracts.Wrap(contracts.CodeInvalidToken, err, "")
	}
	key, ok := c.keys.Lookup(string(footer))
	if !ok {
		return nil, contracts.Fail(contracts.CodeInvalidToken, "protocol version %q is not accepted", footer)
	}
	payload, err := pasetoDecrypt(key, string(token), nil)
	if err != nil {
		return nil, contracts.Wrap(contracts.CodeInvalidToken, err, "")
	}
	return DecodeManifest(payload)
}

func pasetoEncrypt(key, nonce, msg, footer, implicit []byte) (string, error) {
	ek, n2, ak, err := pasetoSplitKey(key, nonce)
	if err != nil {
		return "", err
	}
	stream, err := chacha20.NewUnauthenticatedCipher(ek, n2)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	ct := make([]byte, len(msg))
	stream.XORKeyStream(ct, msg)

	mac, err := pasetoMAC(ak, nonce, ct, footer, implicit)
	if err != nil {
		return "", err
	}

	body := make([]byte, 0, len(nonce)+len(ct)+len(mac))
	body = append(body, nonce...)
	body = append(body, ct...)
	body = append(body, mac...)

	tok := pasetoHeader + b64.EncodeToString(body)
	if len(footer) > 0 {
		tok += "." + b64.EncodeToString(footer)
	}
	return tok, nil
}

func pasetoDecrypt(key []byte, token string, implicit []byte) ([]byte, error) {
	if !strings.HasPrefix(token, pasetoHeader) {
		return nil, errPasetoHeader
	}
	parts := strings.Split(token[len(pasetoHeader):], ".")
	if len(parts) > 2 {
		return nil, errPasetoFormat
	}
	body, err := b64.DecodeString(parts[0])
	if err != nil || len(body) < pasetoNonceSize+pasetoMACSize {
		return nil, errPasetoFormat
	}
	var footer []byte
	if len(parts) == 2 {
		if footer, err = b64.DecodeString(parts[1]); err != nil {
			return nil, errPasetoFormat
		}
	}

	nonce := body[:pasetoNonceSize]
	ct := body[pasetoNonceSize : len(body)-pasetoMACSize]
	tag := body[len(body)-pasetoMACSize:]

	ek, n2, ak, err := pasetoSplitKey(key, nonce)
	if err != nil {
		return nil, err
	}
	want, err := pasetoMAC(ak, nonce, ct, footer, implicit)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(tag, want) != 1 {
		return nil, errPasetoAuth
	}

	stream, err := chacha20.NewUnauthenticatedCipher(ek, n2)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	msg := make([]byte, len(ct))
	stream.XORKeyStream(msg, ct)
	return msg, nil
}

// pasetoFooter extracts the unauthenticated footer, used only to pick the
// key; the MAC binds it afterwards.
func pasetoFooter(token string) ([]byte, error) {
	if !strings.HasPrefix(token, pasetoHeader) {
		return nil, errPasetoHeader
	}
	parts := strings.Split(token[len(pasetoHeader):], ".")
	if len(parts) != 2 {
		return nil, errPasetoFormat
	}
	footer, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, errPasetoFormat
	}
	return footer, nil
}

func pasetoSplitKey(key, nonce []byte) (ek, n2, ak []byte, err error) {
	if len(key) != pasetoKeySize {
		return nil, nil, nil, fmt.Errorf("v4.local key must be %d bytes, got %d", pasetoKeySize, len(key))
	}
	h, err := blake2b.New(56, key)
	if err != nil {
		return nil, nil, nil, err
	}
	h.Write([]byte("paseto-encryption-key"))
	h.Write(nonce)
	tmp := h.Sum(nil)

	a, err := blake2b.New256(key)
	if err != nil {
		return nil, nil, nil, err
	}
	a.Write([]byte("paseto-auth-key-for-aead"))
	a.Write(nonce)
	return tmp[:32], tmp[32:], a.Sum(nil), nil
}

func pasetoMAC(ak, nonce, ct, footer, implicit []byte) ([]byte, error) {
	h, err := blake2b.New256(ak)
	if err != nil {
		return nil, err
	}
	h.Write(pae([]byte(pasetoHeader), nonce, ct, footer, implicit))
	return h.Sum(nil), nil
}

// pae is PASETO pre-authentication encoding.
func pae(pieces ...[]byte) []byte {
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(pieces))&(1<<63-1))
	for _, p := range pieces {
		out = binary.LittleEndian.AppendUint64(out, uint64(len(p))&(1<<63-1))
		out = append(out, p...)
	}
	return out
}
