package attestation

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"gasguard/internal/chain"
	"gasguard/internal/gas"
)

const verifierABIJSON = `[
{"name":"requestData","type":"function","stateMutability":"nonpayable",
 "inputs":[{"name":"requestId","type":"bytes32"}],
 "outputs":[{"name":"","type":"bytes32"}]},
{"name":"getRequestResult","type":"function","stateMutability":"view",
 "inputs":[{"name":"requestId","type":"bytes32"}],
 "outputs":[{"name":"verified","type":"bool"},{"name":"data","type":"bytes"}]}
]`

var verifierABI = chain.MustParseABI(verifierABIJSON)

// Verifier is the on-chain attestation connector.
type Verifier interface {
	Submit(ctx context.Context, id common.Hash) error
	Result(ctx context.Context, id common.Hash) (verified bool, data []byte, err error)
}

// ContractVerifier talks to the connector contract: submissions are signed transactions
// awaited until mined, results are plain calls.
type ContractVerifier struct {
	client  *chain.Client
	sender  *chain.Transactor
	address common.Address
}

var _ Verifier = (*ContractVerifier)(nil)

// NewContractVerifier binds the connector at address. sender may be nil for read-only use.
func NewContractVerifier(client *chain.Client, sender *chain.Transactor, address string) (*ContractVerifier, error) {
	if !common.IsHexAddress(address) || chain.IsZeroAddress(address) {
		return nil, fmt.Errorf("invalid attestation contract address %q", address)
	}
	return &ContractVerifier{client: client, sender: sender, address: common.HexToAddress(address)}, nil
}

// Submit sends requestData(id) and waits for the receipt.
func (v *ContractVerifier) Submit(ctx context.Context, id common.Hash) error {
	if v.sender == nil {
		return fmt.Errorf("submit attestation: no signing key configured")
	}
	payload, err := verifierABI.Pack("requestData", [32]byte(id))
	if err != nil {
		return fmt.Errorf("pack requestData: %w", err)
	}
	if _, err := v.sender.Send(ctx, v.address, payload); err != nil {
		return fmt.Errorf("submit attestation %s: %w", id.Hex(), err)
	}
	return nil
}

// Result calls getRequestResult(id).
func (v *ContractVerifier) Result(ctx context.Context, id common.Hash) (bool, []byte, error) {
	out, err := v.client.Call(ctx, v.address, verifierABI, "getRequestResult", [32]byte(id))
	if err != nil {
		return false, nil, err
	}
	if len(out) != 2 {
		return false, nil, fmt.Errorf("%w: expected 2 outputs, got %d", gas.ErrMalformedResponse, len(out))
	}
	verified, ok1 := out[0].(bool)
	data, ok2 := out[1].([]byte)
	if !ok1 || !ok2 {
		return false, nil, fmt.Errorf("%w: unexpected getRequestResult output types", gas.ErrMalformedResponse)
	}
	return verified, data, nil
}
