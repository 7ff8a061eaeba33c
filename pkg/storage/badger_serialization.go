// Package storage - Key and value encoding for BadgerDB.
package storage

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes for BadgerDB storage organization
const (
	prefixContext   = byte(0x10) // ctx:keytext -> uvarint(next seq)
	prefixSuccessor = byte(0x11) // succ:len(keytext):keytext:seq -> token
)

// Token value tags
const (
	tagEnd  = byte(0x00)
	tagWord = byte(0x01)
)

// contextRecordKey creates the key holding a context's next sequence number.
// Format: prefix + keytext. Iterating this prefix yields contexts in keytext order.
func contextRecordKey(keyText string) []byte {
	key := make([]byte, 0, 1+len(keyText))
	key = append(key, prefixContext)
	return append(key, keyText...)
}

// successorPrefix returns the prefix shared by all successor entries of a context.
// Format: prefix + uvarint(len(keytext)) + keytext
// The length prefix keeps "a b" from matching entries of "a bc".
func successorPrefix(keyText string) []byte {
	key := make([]byte, 0, 1+binary.MaxVarintLen64+len(keyText)+8)
	key = append(key, prefixSuccessor)
	key = binary.AppendUvarint(key, uint64(len(keyText)))
	return append(key, keyText...)
}

// successorKey creates the key for one successor entry.
// Big-endian sequence numbers sort in append order.
func successorKey(keyText string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(successorPrefix(keyText), seq)
}

// encodeToken serializes a token value.
func encodeToken(t Token) []byte {
	if t.IsEnd() {
		return []byte{tagEnd}
	}
	buf := make([]byte, 0, 1+len(t.word))
	buf = append(buf, tagWord)
	return append(buf, t.word...)
}

// decodeToken deserializes a token value.
func decodeToken(data []byte) (Token, error) {
	if len(data) == 0 {
		return Token{}, fmt.Errorf("decoding token: empty value")
	}
	switch data[0] {
	case tagEnd:
		return EndOfSequence(), nil
	case tagWord:
		if len(data) == 1 {
			return Token{}, fmt.Errorf("decoding token: empty word")
		}
		return Word(string(data[1:])), nil
	default:
		return Token{}, fmt.Errorf("decoding token: unknown tag 0x%02x", data[0])
	}
}

// encodeSeq serializes a context's next sequence number.
func encodeSeq(seq uint64) []byte {
	return binary.AppendUvarint(nil, seq)
}

// decodeSeq deserializes a context's next sequence number.
func decodeSeq(data []byte) (uint64, error) {
	seq, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, fmt.Errorf("decoding sequence: malformed varint")
	}
	return seq, nil
}
