package encrypt

import (
	"crypto/cipher"
	"crypto/rc4"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// Direction selects which half of a connection a cipher context drives.
type Direction int

const (
	DirDecrypt Direction = iota // bytes arriving from the client
	DirEncrypt                  // bytes leaving toward the client
)

type method int

const (
	methodTable method = iota
	methodRC4
	methodChacha20
)

const rc4KeySize = 16

// Config holds the process-wide cipher selection and key material
// derived from the shared password. It is immutable after NewConfig
// and safe to share across every connection.
type Config struct {
	method   method
	key      []byte
	encTable [256]byte
	decTable [256]byte
}

// NewConfig derives key material for the named method. An empty method
// selects the stateless table cipher.
func NewConfig(password, methodName string) (*Config, error) {
	if password == "" {
		return nil, errors.New("empty password")
	}
	c := &Config{}
	switch methodName {
	case "", "table":
		c.method = methodTable
		buildTables(password, &c.encTable, &c.decTable)
	case "rc4":
		c.method = methodRC4
		c.key = bytesToKey(password, rc4KeySize)
	case "chacha20":
		c.method = methodChacha20
		c.key = bytesToKey(password, chacha20.KeySize)
	default:
		return nil, fmt.Errorf("unknown cipher method %q", methodName)
	}
	return c, nil
}

// Stateful reports whether the method needs per-connection contexts.
func (c *Config) Stateful() bool {
	return c.method != methodTable
}

// NewContext returns a fresh keystream for one direction of one
// connection, or nil for stateless methods. Each context must see its
// direction's bytes exactly once, in stream order.
func (c *Config) NewContext(dir Direction) (cipher.Stream, error) {
	switch c.method {
	case methodRC4:
		// Same key both ways; the two directions run independent states.
		return rc4.NewCipher(c.key)
	case methodChacha20:
		key, err := directionSubkey(c.key, dir)
		if err != nil {
			return nil, err
		}
		var nonce [chacha20.NonceSize]byte
		return chacha20.NewUnauthenticatedCipher(key, nonce[:])
	}
	return nil, nil
}

// Encrypt transforms buf in place for the client-bound direction.
func (c *Config) Encrypt(buf []byte, ctx cipher.Stream) {
	if ctx != nil {
		ctx.XORKeyStream(buf, buf)
		return
	}
	for i, b := range buf {
		buf[i] = c.encTable[b]
	}
}

// Decrypt transforms buf in place for bytes coming from the client.
func (c *Config) Decrypt(buf []byte, ctx cipher.Stream) {
	if ctx != nil {
		ctx.XORKeyStream(buf, buf)
		return
	}
	for i, b := range buf {
		buf[i] = c.decTable[b]
	}
}

// directionSubkey expands the master key into one key per traffic
// direction, so the two chacha20 keystreams never overlap.
func directionSubkey(key []byte, dir Direction) ([]byte, error) {
	info := []byte("client-to-server")
	if dir == DirEncrypt {
		info = []byte("server-to-client")
	}
	r := hkdf.New(sha1.New, key, nil, info)
	sub := make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, err
	}
	return sub, nil
}
