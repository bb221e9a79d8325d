// Package chain provides the blockchain collaborator used by the
// settlement ledger. The core only depends on the Client interface;
// transaction wire formats live behind the RPC node.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Instructions is an opaque, node-built instruction payload ready for
// signing and submission.
type Instructions struct {
	Payload json.RawMessage `json:"payload"`
}

// Client is the chain collaborator consumed by the settlement ledger.
type Client interface {
	// VaultBalance returns the native balance of the fee vault account.
	VaultBalance(ctx context.Context, account string) (float64, error)
	// BuildFeeCollection builds the instructions draining the vault to
	// treasury custody, with payer covering network fees.
	BuildFeeCollection(ctx context.Context, vault, payer string) (Instructions, error)
	// BuildNativeTransfer builds a native-unit transfer instruction.
	BuildNativeTransfer(ctx context.Context, from, to string, amount float64) (Instructions, error)
	// SubmitAndConfirm signs, submits and waits for confirmation,
	// returning the confirmed transaction hash. It blocks until
	// confirmation or ctx deadline.
	SubmitAndConfirm(ctx context.Context, instr Instructions, signerKey string) (string, error)
}

// Error is a structured RPC error returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain rpc error %d: %s", e.Code, e.Message)
}
