package signer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// KeypairHandle signs with a local file keypair and broadcasts over RPC. It
// backs the CLI, where no wallet app exists to hand control to.
type KeypairHandle struct {
	key       solana.PrivateKey
	rpcClient *rpc.Client
}

func NewKeypairHandle(keypairPath string, rpcClient *rpc.Client) (*KeypairHandle, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(keypairPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair from %s: %w", keypairPath, err)
	}
	return &KeypairHandle{
		key:       key,
		rpcClient: rpcClient,
	}, nil
}

func (h *KeypairHandle) PublicKey() solana.PublicKey {
	return h.key.PublicKey()
}

// Authorize always succeeds for a local keypair; there is no approval prompt
// to skip, so the token is a fixed marker.
func (h *KeypairHandle) Authorize(_ context.Context, _ AuthRequest) (AuthResult, error) {
	return AuthResult{
		AuthToken:     "local-keypair",
		WalletAddress: h.key.PublicKey().String(),
	}, nil
}

func (h *KeypairHandle) SignAndSendTransactions(ctx context.Context, txs [][]byte) ([]Signature, error) {
	sigs := make([]Signature, 0, len(txs))

	for _, txBytes := range txs {
		tx, err := solana.TransactionFromBytes(txBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transaction: %w", err)
		}

		_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(h.key.PublicKey()) {
				return &h.key
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to sign transaction: %w", err)
		}

		sig, err := h.rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
		}

		// Return raw bytes so the bridge exercises the same normalization
		// path the wallet adapter does.
		sigs = append(sigs, Signature{Raw: sig[:]})
	}

	return sigs, nil
}
