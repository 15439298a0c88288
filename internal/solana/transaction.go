package solana

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const signatureSize = 64

var (
	// ErrNotSigner is returned when a key is asked to sign a transaction that does not require it.
	ErrNotSigner = errors.New("key is not a required signer")
	// ErrMalformedTransaction wraps every decode failure.
	ErrMalformedTransaction = errors.New("malformed transaction")
)

// Transaction is a decoded wire transaction. The message bytes are kept verbatim so
// re-serializing never alters what the builder produced.
type Transaction struct {
	Signatures  [][signatureSize]byte
	Message     []byte
	AccountKeys []PublicKey
	required    int
}

// DecodeTransaction parses a serialized legacy or versioned transaction.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	count, n, err := decodeCompactU16(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: signature count: %v", ErrMalformedTransaction, err)
	}
	off := n
	if len(raw) < off+count*signatureSize {
		return nil, fmt.Errorf("%w: truncated signatures", ErrMalformedTransaction)
	}
	tx := &Transaction{Signatures: make([][signatureSize]byte, count)}
	for i := 0; i < count; i++ {
		copy(tx.Signatures[i][:], raw[off:off+signatureSize])
		off += signatureSize
	}
	tx.Message = append([]byte(nil), raw[off:]...)
	if err := tx.parseMessage(); err != nil {
		return nil, err
	}
	if tx.required != count {
		return nil, fmt.Errorf("%w: %d signatures for %d required signers", ErrMalformedTransaction, count, tx.required)
	}
	return tx, nil
}

// DecodeTransactionBase64 decodes the base64 form returned by the transaction builder.
func DecodeTransactionBase64(s string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return DecodeTransaction(raw)
}

// NewUnsignedTransaction assembles a legacy message with the given signers, no instructions,
// and empty signature slots.
func NewUnsignedTransaction(signers []PublicKey, recentBlockhash [32]byte) *Transaction {
	msg := []byte{byte(len(signers)), 0, 0}
	msg = appendCompactU16(msg, len(signers))
	for _, pk := range signers {
		msg = append(msg, pk[:]...)
	}
	msg = append(msg, recentBlockhash[:]...)
	msg = appendCompactU16(msg, 0)
	return &Transaction{
		Signatures:  make([][signatureSize]byte, len(signers)),
		Message:     msg,
		AccountKeys: append([]PublicKey(nil), signers...),
		required:    len(signers),
	}
}

func (t *Transaction) parseMessage() error {
	msg := t.Message
	idx := 0
	if len(msg) == 0 {
		return fmt.Errorf("%w: empty message", ErrMalformedTransaction)
	}
	if msg[0]&0x80 != 0 {
		idx = 1
	}
	if len(msg) < idx+3 {
		return fmt.Errorf("%w: truncated header", ErrMalformedTransaction)
	}
	t.required = int(msg[idx])
	idx += 3
	keys, n, err := decodeCompactU16(msg[idx:])
	if err != nil {
		return fmt.Errorf("%w: account count: %v", ErrMalformedTransaction, err)
	}
	idx += n
	if len(msg) < idx+keys*32 {
		return fmt.Errorf("%w: truncated account keys", ErrMalformedTransaction)
	}
	if keys < t.required {
		return fmt.Errorf("%w: %d accounts for %d signers", ErrMalformedTransaction, keys, t.required)
	}
	t.AccountKeys = make([]PublicKey, keys)
	for i := 0; i < keys; i++ {
		copy(t.AccountKeys[i][:], msg[idx:idx+32])
		idx += 32
	}
	return nil
}

// Signers lists the accounts whose signatures the transaction requires, in slot order.
func (t *Transaction) Signers() []PublicKey {
	return append([]PublicKey(nil), t.AccountKeys[:t.required]...)
}

// Sign places kp's signature over the message in kp's slot.
func (t *Transaction) Sign(kp *Keypair) error {
	pk := kp.PublicKey()
	for i, signer := range t.AccountKeys[:t.required] {
		if signer == pk {
			copy(t.Signatures[i][:], kp.Sign(t.Message))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotSigner, pk)
}

// IsSignedBy reports whether pk's slot holds a valid signature.
func (t *Transaction) IsSignedBy(pk PublicKey) bool {
	for i, signer := range t.AccountKeys[:t.required] {
		if signer == pk {
			return ed25519.Verify(pk[:], t.Message, t.Signatures[i][:])
		}
	}
	return false
}

// FullySigned reports whether every required slot verifies.
func (t *Transaction) FullySigned() bool {
	for _, pk := range t.Signers() {
		if !t.IsSignedBy(pk) {
			return false
		}
	}
	return true
}

// Signature returns the fee payer signature in base58, which is the transaction id.
func (t *Transaction) Signature() string {
	if len(t.Signatures) == 0 {
		return ""
	}
	return base58.Encode(t.Signatures[0][:])
}

// Serialize renders the wire form.
func (t *Transaction) Serialize() []byte {
	out := appendCompactU16(nil, len(t.Signatures))
	for _, sig := range t.Signatures {
		out = append(out, sig[:]...)
	}
	return append(out, t.Message...)
}

// Base64 renders the wire form as base64.
func (t *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Serialize())
}

func appendCompactU16(dst []byte, v int) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

func decodeCompactU16(b []byte) (int, int, error) {
	val := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("unexpected end of input")
		}
		elem := int(b[i])
		val |= (elem & 0x7f) << (7 * i)
		if elem&0x80 == 0 {
			return val, i + 1, nil
		}
	}
	return 0, 0, errors.New("compact-u16 overflow")
}
