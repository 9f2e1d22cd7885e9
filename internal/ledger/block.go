package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GenesisPreviousHash is the previous-hash value carried by the genesis block.
const GenesisPreviousHash = "0"

// emptyData is the serialized payload of a block with no transactions.
const emptyData = "[]"

// Block is one sealed unit of the ledger.
type Block struct {
	Index        int           `json:"index"`
	Timestamp    time.Time     `json:"timestamp"`
	Data         []Transaction `json:"data"`
	PreviousHash string        `json:"previousHash"`
	Hash         string        `json:"hash"`
}

// Hash returns the hex SHA-256 digest of index, serialized payload and
// previous hash concatenated as strings, in that order.
func Hash(index int, serializedPayload, previousHash string) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(index)))
	h.Write([]byte(serializedPayload))
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// serializeData returns the payload string hashed for a block's data: compact
// JSON in Transaction field order with HTML characters left unescaped.
func serializeData(data []Transaction) (string, error) {
	if len(data) == 0 {
		return emptyData, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return "", fmt.Errorf("marshal block data: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// computeHash recomputes the hash of b from its own fields.
func computeHash(b *Block) (string, error) {
	payload, err := serializeData(b.Data)
	if err != nil {
		return "", err
	}
	return Hash(b.Index, payload, b.PreviousHash), nil
}

// newBlock builds a block chained to prev (nil for genesis).
func newBlock(index int, ts time.Time, data []Transaction, prev *Block) (*Block, error) {
	b := &Block{
		Index:        index,
		Timestamp:    ts,
		Data:         data,
		PreviousHash: GenesisPreviousHash,
	}
	if b.Data == nil {
		b.Data = []Transaction{}
	}
	if prev != nil {
		b.PreviousHash = prev.Hash
	}
	hash, err := computeHash(b)
	if err != nil {
		return nil, err
	}
	b.Hash = hash
	return b, nil
}

// normalize defaults a missing data field to an empty sequence.
func (b *Block) normalize() {
	if b.Data == nil {
		b.Data = []Transaction{}
	}
	b.Timestamp = b.Timestamp.UTC()
}

// Clone returns a deep copy of b.
func (b *Block) Clone() *Block {
	cp := *b
	cp.Data = make([]Transaction, len(b.Data))
	for i := range b.Data {
		cp.Data[i] = b.Data[i].Clone()
	}
	return &cp
}

// millis truncates t to millisecond precision in UTC, the resolution that
// survives every store round-trip.
func millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
