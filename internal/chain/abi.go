package chain

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract entry points consumed by the engine.
const (
	MethodRelease                  = "releaseFundsAfterApprovalPeriod"
	MethodCancel                   = "cancelEscrowAndRefundBuyer"
	MethodReceiveCrossChainDeposit = "receiveCrossChainDeposit"
	MethodInitiateCrossChain       = "initiateCrossChainRelease"
	MethodConfirmCrossChain        = "confirmCrossChainRelease"
	MethodGetContractState         = "getContractState"
	MethodGetCrossChainInfo        = "getCrossChainInfo"
	MethodGetBalance               = "getBalance"
)

var requiredMethods = []string{
	MethodRelease,
	MethodCancel,
	MethodReceiveCrossChainDeposit,
	MethodInitiateCrossChain,
	MethodConfirmCrossChain,
	MethodGetContractState,
	MethodGetCrossChainInfo,
	MethodGetBalance,
}

//go:embed escrow_abi.json
var embeddedABI []byte

// ContractABI is the escrow contract interface, parsed once at startup.
// It holds either a usable ABI or the error that prevented loading it.
type ContractABI struct {
	parsed *abi.ABI
	source string
	err    error
}

// LoadABI reads and parses the escrow ABI from path, or the embedded copy
// when path is empty. The result is never nil; check Err before use.
func LoadABI(path string) ContractABI {
	source := "embedded"
	raw := embeddedABI
	if path != "" {
		source = path
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return ContractABI{source: source, err: fmt.Errorf("%w: read %s: %v", ErrABIUnavailable, path, err)}
		}
		raw = data
	}
	return ParseABI(source, raw)
}

// ParseABI parses raw ABI JSON and checks every entry point the engine
// calls is present.
func ParseABI(source string, raw []byte) ContractABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return ContractABI{source: source, err: fmt.Errorf("%w: parse %s: %v", ErrABIUnavailable, source, err)}
	}
	for _, m := range requiredMethods {
		if _, ok := parsed.Methods[m]; !ok {
			return ContractABI{source: source, err: fmt.Errorf("%w: %s has no method %s", ErrABIUnavailable, source, m)}
		}
	}
	return ContractABI{parsed: &parsed, source: source}
}

// Err returns the load error, or nil if the ABI is usable.
func (c ContractABI) Err() error {
	if c.parsed == nil && c.err == nil {
		return fmt.Errorf("%w: not loaded", ErrABIUnavailable)
	}
	return c.err
}

// Source describes where the ABI was loaded from.
func (c ContractABI) Source() string { return c.source }

func (c ContractABI) pack(method string, args ...interface{}) ([]byte, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return c.parsed.Pack(method, args...)
}

func (c ContractABI) unpack(method string, data []byte) ([]interface{}, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return c.parsed.Unpack(method, data)
}
