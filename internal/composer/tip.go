// tip.go builds and signs the tip transaction appended as the final
// transaction of every bundle.
package composer

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/stanmart1/mev-sub005/pkg/types"
)

// TipSigner signs tip payments with the submission identity key.
type TipSigner struct {
	key        ed25519.PrivateKey
	tipAccount types.Pubkey
}

// NewTipSigner builds a signer from a base64-encoded ed25519 seed and the
// tip account address. In dry-run mode seed may be empty; an ephemeral key
// is generated so composed bundles still carry a valid signature.
func NewTipSigner(seedB64 string, tipAccount string) (*TipSigner, error) {
	acct, err := types.PubkeyFromString(tipAccount)
	if err != nil {
		return nil, fmt.Errorf("parse tip account: %w", err)
	}

	var key ed25519.PrivateKey
	if seedB64 == "" {
		_, key, err = ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
	} else {
		seed, err := base64.StdEncoding.DecodeString(seedB64)
		if err != nil {
			return nil, fmt.Errorf("decode keypair seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("keypair seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		key = ed25519.NewKeyFromSeed(seed)
	}
	return &TipSigner{key: key, tipAccount: acct}, nil
}

// tipPayment is the serialized body of a tip transaction.
type tipPayment struct {
	To       string `json:"to"`
	Lamports int64  `json:"lamports"`
	Payer    string `json:"payer"`
}

// TipAccount returns the configured tip destination.
func (s *TipSigner) TipAccount() types.Pubkey { return s.tipAccount }

// BuildTipTx produces the signed tip transaction for the given amount. The
// wire form is the payment body followed by the detached signature.
func (s *TipSigner) BuildTipTx(lamports int64) (types.Transaction, error) {
	body, err := json.Marshal(tipPayment{
		To:       s.tipAccount.String(),
		Lamports: lamports,
		Payer:    base64.StdEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey)),
	})
	if err != nil {
		return types.Transaction{}, fmt.Errorf("marshal tip payment: %w", err)
	}
	sig := ed25519.Sign(s.key, body)
	wire := make([]byte, 0, len(body)+len(sig))
	wire = append(wire, body...)
	wire = append(wire, sig...)

	return types.Transaction{
		Accounts:         []types.AccountMeta{{Key: s.tipAccount, Writable: true}},
		ComputeUnitLimit: tipComputeUnits,
		Wire:             wire,
	}, nil
}
