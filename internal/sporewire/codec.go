// Package sporewire はSecureSporeのバイナリワイヤフォーマットを実装する。
//
// レイアウト（ビッグエンディアン、先頭からこの順）:
//
//	version(1) id(len16) kind(len16) from(len16) to(flag+len16)
//	created_at(int64 unixnano) expires_at(flag+int64) priority(1)
//	nonce(24) sender_public_key(32) payload(len32) signature(64)
//
// 可変長フィールドは長さプレフィックス付きで、トランスポートに依存しない。
package sporewire

import (
	"encoding/binary"
	"fmt"
	"time"

	"secure-reef/internal/domain"
)

// Version は現在のワイヤフォーマットバージョン。
const Version = 1

const (
	maxStringLen  = 1 << 16
	maxPayloadLen = 16 << 20
)

// Encode はSecureSporeをワイヤフォーマットにシリアライズする。
func Encode(s *domain.SecureSpore) ([]byte, error) {
	if len(s.Nonce) != domain.NonceSize {
		return nil, fmt.Errorf("%w: nonce length %d", domain.ErrMalformedSpore, len(s.Nonce))
	}
	if len(s.SenderPublicKey) != domain.PublicKeySize {
		return nil, fmt.Errorf("%w: sender public key length %d", domain.ErrMalformedSpore, len(s.SenderPublicKey))
	}
	if len(s.PayloadSignature) != domain.SignatureSize {
		return nil, fmt.Errorf("%w: signature length %d", domain.ErrMalformedSpore, len(s.PayloadSignature))
	}
	if len(s.EncryptedPayload) > maxPayloadLen {
		return nil, fmt.Errorf("%w: payload too large", domain.ErrMalformedSpore)
	}

	w := &writer{}
	w.byte(Version)
	if err := w.string16(s.ID); err != nil {
		return nil, err
	}
	if err := w.string16(string(s.Kind)); err != nil {
		return nil, err
	}
	if err := w.string16(s.FromAgent); err != nil {
		return nil, err
	}
	if s.ToAgent == "" {
		w.byte(0)
	} else {
		w.byte(1)
		if err := w.string16(s.ToAgent); err != nil {
			return nil, err
		}
	}
	w.int64(s.CreatedAt.UnixNano())
	if s.ExpiresAt == nil {
		w.byte(0)
	} else {
		w.byte(1)
		w.int64(s.ExpiresAt.UnixNano())
	}
	w.byte(s.Priority)
	w.raw(s.Nonce)
	w.raw(s.SenderPublicKey)
	w.bytes32(s.EncryptedPayload)
	w.raw(s.PayloadSignature)
	return w.buf, nil
}

// Decode はワイヤフォーマットからSecureSporeを復元する。
// 不正な入力に対してはErrMalformedSporeを返す。
func Decode(data []byte) (*domain.SecureSpore, error) {
	r := &reader{buf: data}

	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", domain.ErrMalformedSpore, version)
	}

	s := &domain.SecureSpore{}
	if s.ID, err = r.string16(); err != nil {
		return nil, err
	}
	kind, err := r.string16()
	if err != nil {
		return nil, err
	}
	s.Kind = domain.MessageKind(kind)
	if s.FromAgent, err = r.string16(); err != nil {
		return nil, err
	}
	hasTo, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch hasTo {
	case 0:
	case 1:
		if s.ToAgent, err = r.string16(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: invalid to-agent flag %d", domain.ErrMalformedSpore, hasTo)
	}
	createdAt, err := r.int64()
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	hasExpiry, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch hasExpiry {
	case 0:
	case 1:
		expiresAt, err := r.int64()
		if err != nil {
			return nil, err
		}
		t := time.Unix(0, expiresAt).UTC()
		s.ExpiresAt = &t
	default:
		return nil, fmt.Errorf("%w: invalid expiry flag %d", domain.ErrMalformedSpore, hasExpiry)
	}
	if s.Priority, err = r.byte(); err != nil {
		return nil, err
	}
	if s.Nonce, err = r.raw(domain.NonceSize); err != nil {
		return nil, err
	}
	if s.SenderPublicKey, err = r.raw(domain.PublicKeySize); err != nil {
		return nil, err
	}
	if s.EncryptedPayload, err = r.bytes32(); err != nil {
		return nil, err
	}
	if s.PayloadSignature, err = r.raw(domain.SignatureSize); err != nil {
		return nil, err
	}
	if r.pos != len(r.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", domain.ErrMalformedSpore, len(r.buf)-r.pos)
	}
	return s, nil
}

type writer struct {
	buf []byte
}

func (w *writer) byte(b uint8) {
	w.buf = append(w.buf, b)
}

func (w *writer) int64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *writer) string16(s string) error {
	if len(s) >= maxStringLen {
		return fmt.Errorf("%w: string field too long", domain.ErrMalformedSpore)
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *writer) bytes32(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) byte() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: truncated input", domain.ErrMalformedSpore)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) int64() (int64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("%w: truncated input", domain.ErrMalformedSpore)
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return int64(v), nil
}

func (r *reader) string16() (string, error) {
	if r.remaining() < 2 {
		return "", fmt.Errorf("%w: truncated input", domain.ErrMalformedSpore)
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.pos:]))
	r.pos += 2
	if r.remaining() < n {
		return "", fmt.Errorf("%w: truncated input", domain.ErrMalformedSpore)
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *reader) bytes32() ([]byte, error) {
	if r.remaining() < 4 {
		return nil, fmt.Errorf("%w: truncated input", domain.ErrMalformedSpore)
	}
	n := int(binary.BigEndian.Uint32(r.buf[r.pos:]))
	r.pos += 4
	if n > maxPayloadLen || r.remaining() < n {
		return nil, fmt.Errorf("%w: truncated input", domain.ErrMalformedSpore)
	}
	b := append([]byte(nil), r.buf[r.pos:r.pos+n]...)
	r.pos += n
	return b, nil
}

func (r *reader) raw(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: truncated input", domain.ErrMalformedSpore)
	}
	b := append([]byte(nil), r.buf[r.pos:r.pos+n]...)
	r.pos += n
	return b, nil
}
