package txbuilder

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// unsignedTx encodes p as a legacy or dynamic-fee transaction according to
// fees. Legacy transactions pay the fee cap as gas price; tip is capped at
// the fee cap.
func unsignedTx(nonce uint64, p Payload, gasLimit uint64, fees Fees) *types.Transaction {
	to := p.To
	if fees.UseLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasFeeCap,
			Gas:      gasLimit,
			To:       &to,
			Value:    p.Amount,
			Data:     p.Data,
		})
	}

	tip := fees.GasTipCap
	if tip == nil || tip.Cmp(fees.GasFeeCap) > 0 {
		tip = fees.GasFeeCap
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   fees.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: fees.GasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     p.Amount,
		Data:      p.Data,
	})
}

func senderOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
