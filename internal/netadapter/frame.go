package netadapter

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// PDBAdapterKeyEnv carries the base64-free raw session key bytes from the
// spawning background process to the adapter subprocess. The pipe between
// them is already trusted (same host, same user, anonymous pipe) — this
// buys defense in depth against any other local process that might be
// ptrace-adjacent to the pipe's file descriptors, not protection from a
// network attacker.
const PDBAdapterKeyEnv = "PDB_ADAPTER_KEY"

type frameKind string

const (
	kindReady  frameKind = "READY"
	kindPing   frameKind = "PING"
	kindPong   frameKind = "PONG"
	kindCall   frameKind = "CALL"
	kindResult frameKind = "RESULT"
	kindError  frameKind = "ERROR"
)

// wireFrame is the JSON payload sealed inside every frame. Not every field
// is populated for every kind.
type wireFrame struct {
	Kind          frameKind       `json:"kind"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Endpoint      string          `json:"endpoint,omitempty"`
	Method        Method          `json:"method,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Status        int             `json:"status,omitempty"`
	ErrorText     string          `json:"errorText,omitempty"`
}

// frameConn wraps a pipe pair with length-prefixed, XChaCha20-Poly1305
// sealed frames. One frameConn is built per adapter lifetime; writeFrame
// serializes concurrent writers on its own writeMu.
type frameConn struct {
	w    io.Writer
	r    io.Reader
	aead cipher.AEAD

	writeMu sync.Mutex
}

func newFrameConn(w io.Writer, r io.Reader, key []byte) (*frameConn, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("netadapter: session key: %w", err)
	}
	return &frameConn{w: w, r: r, aead: aead}, nil
}

func (c *frameConn) writeFrame(f wireFrame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := c.aead.Seal(nonce, nonce, payload, nil)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = c.w.Write(sealed)
	return err
}

func (c *frameConn) readFrame() (wireFrame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return wireFrame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	sealed := make([]byte, n)
	if _, err := io.ReadFull(c.r, sealed); err != nil {
		return wireFrame{}, err
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return wireFrame{}, fmt.Errorf("netadapter: frame shorter than nonce")
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	payload, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return wireFrame{}, fmt.Errorf("netadapter: frame auth failed: %w", err)
	}

	var f wireFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return wireFrame{}, err
	}
	return f, nil
}
