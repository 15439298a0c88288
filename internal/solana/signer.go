package solana

import "context"

// LocalSigner signs with a keypair held in process, typically loaded from a keypair file.
type LocalSigner struct {
	Keypair *Keypair
}

func (s LocalSigner) PublicKey() PublicKey {
	return s.Keypair.PublicKey()
}

func (s LocalSigner) SignTransaction(ctx context.Context, tx *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.Sign(s.Keypair)
}
