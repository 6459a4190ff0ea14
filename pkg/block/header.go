package block

import (
	"encoding/binary"
	"encoding/json"

	"github.com/smellycoin/smellycoin/pkg/crypto"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// Header contains block metadata.
//
// Bits is the compact-encoded proof-of-work target (pkg/codec). MixHash is
// a dedicated field carrying the KAWPOW engine's mix output, independent of
// MerkleRoot (Open Question Decision #3 in DESIGN.md) — MerkleRoot stays a
// pure function of the transaction list, MixHash is the PoW commitment
// verified against the recomputed mix.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	MixHash    types.Hash `json:"mix_hash"`
	Timestamp  uint64     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Bits       uint32     `json:"bits"`
	Nonce      uint64     `json:"nonce"`
}

// headerJSON mirrors Header for JSON purposes; kept distinct so future
// wire-format changes (e.g. hex nonce) don't ripple through the struct tags
// used internally.
type headerJSON struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	MixHash    types.Hash `json:"mix_hash"`
	Timestamp  uint64     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Bits       uint32     `json:"bits"`
	Nonce      uint64     `json:"nonce"`
}

// MarshalJSON encodes the header.
func (h *Header) MarshalJSON() ([]byte, error) {
	return json.Marshal(headerJSON{
		Version:    h.Version,
		PrevHash:   h.PrevHash,
		MerkleRoot: h.MerkleRoot,
		MixHash:    h.MixHash,
		Timestamp:  h.Timestamp,
		Height:     h.Height,
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	})
}

// UnmarshalJSON decodes a header.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.MixHash = j.MixHash
	h.Timestamp = j.Timestamp
	h.Height = j.Height
	h.Bits = j.Bits
	h.Nonce = j.Nonce
	return nil
}

// Hash computes the block header hash (the block identity used for
// prev_hash linkage and store lookups — distinct from the KAWPOW PoW hash,
// which is computed over PowPreimage by pkg/kawpow).
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes identifying this header.
// Format: version(4) | prev_hash(32) | merkle_root(32) | mix_hash(32) |
// timestamp(8) | height(8) | bits(4) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = append(buf, h.MixHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}

// PowPreimage returns the bytes KAWPOW hashes together with the nonce: the
// header contents excluding the nonce and the mix hash itself (the mix is
// the thing being computed, and the nonce is supplied separately to
// pkg/kawpow.Pow/Verify).
func (h *Header) PowPreimage() []byte {
	buf := make([]byte, 0, 112)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	return buf
}
