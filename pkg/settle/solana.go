package settle

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/daget/pkg/daget"
)

// BuildPayment builds the unsigned payment transaction for a claim: a
// system-program transfer for native SOL pools, or a token-program transfer
// between associated token accounts for SPL pools.
func BuildPayment(pool *daget.Pool, claim *daget.Claim, payer solana.PublicKey, blockhash solana.Hash) (*solana.Transaction, error) {
	recipient, err := solana.PublicKeyFromBase58(claim.Wallet)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", claim.Wallet, err)
	}
	if claim.Amount < 1 {
		return nil, daget.Invariantf("payment amount %d is below 1", claim.Amount)
	}

	var instruction solana.Instruction
	if pool.TokenMint == "" {
		instruction = system.NewTransferInstruction(uint64(claim.Amount), payer, recipient).Build()
	} else {
		mint, err := solana.PublicKeyFromBase58(pool.TokenMint)
		if err != nil {
			return nil, fmt.Errorf("invalid token mint %q: %w", pool.TokenMint, err)
		}
		source, _, err := solana.FindAssociatedTokenAddress(payer, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive source token account: %w", err)
		}
		destination, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive destination token account: %w", err)
		}
		instruction = token.NewTransferInstruction(uint64(claim.Amount), source, destination, payer, nil).Build()
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	return tx, nil
}

// RPCLedger implements Ledger against a Solana JSON-RPC endpoint.
type RPCLedger struct {
	client *solanarpc.Client
}

func NewRPCLedger(endpoint string) *RPCLedger {
	return &RPCLedger{client: solanarpc.New(endpoint)}
}

func (l *RPCLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := l.client.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

func (l *RPCLedger) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := l.client.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

func (l *RPCLedger) Status(ctx context.Context, sig solana.Signature) (TxStatus, error) {
	out, err := l.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return TxStatus{}, fmt.Errorf("failed to get signature status: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return TxStatus{Found: false}, nil
	}

	status := out.Value[0]
	return TxStatus{
		Found:     true,
		Finalized: status.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized,
		Succeeded: status.Err == nil,
	}, nil
}

// KeypairSigner signs with an in-memory treasury keypair. Production key
// custody sits behind the Signer interface; this implementation is for
// deployments where the treasury key is provisioned as a keygen file.
type KeypairSigner struct {
	key solana.PrivateKey
}

func NewKeypairSigner(key solana.PrivateKey) (*KeypairSigner, error) {
	if len(key) == 0 {
		return nil, errors.New("treasury private key is required")
	}
	return &KeypairSigner{key: key}, nil
}

// NewKeypairSignerFromFile loads the treasury key from a solana-keygen JSON
// file.
func NewKeypairSignerFromFile(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load treasury keypair: %w", err)
	}
	return NewKeypairSigner(key)
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSigner) Sign(_ context.Context, tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}
