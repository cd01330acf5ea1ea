package ledger

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"facedid/internal/did/models"
)

// Payload is the signed lifecycle-transition datum submitted to the
// ledger. Shapes mirror the on-chain validator's DIDDatum plus the action
// redeemer; signing happens inside the ledger collaborator, which holds
// the wallet keys.
type Payload struct {
	Action    models.Action `json:"action"`
	DID       string        `json:"did_id"`
	FaceHash  string        `json:"face_ipfs_hash"`
	Owner     string        `json:"owner"`
	CreatedAt int64         `json:"created_at"`
	Verified  bool          `json:"verified"`
}

// OwnerHash derives the 28-byte blake2b hash of a wallet address, hex
// encoded. 28 bytes matches the Cardano payment credential size.
func OwnerHash(address string) string {
	h, _ := blake2b.New(28, nil)
	h.Write([]byte(address))
	return hex.EncodeToString(h.Sum(nil))
}

// Suffix derives a short content-bound DID suffix from an embedding
// reference, used when the caller does not supply an id.
func Suffix(embeddingRef string) string {
	h, _ := blake2b.New(28, nil)
	h.Write([]byte(embeddingRef))
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// BuildPayload assembles the ledger datum for a staged transition.
func BuildPayload(record *models.DIDRecord, action models.Action, faceHash string) Payload {
	if faceHash == "" {
		faceHash = record.FaceHash
	}
	return Payload{
		Action:    action,
		DID:       record.ID,
		FaceHash:  faceHash,
		Owner:     record.Owner,
		CreatedAt: record.CreatedAt.UnixMilli(),
		Verified:  action == models.ActionVerify,
	}
}
