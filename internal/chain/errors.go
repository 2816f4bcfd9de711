package chain

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidAddress   = errors.New("chain: invalid contract address")
	ErrInvalidArgument  = errors.New("chain: invalid call argument")
	ErrABIUnavailable   = errors.New("chain: contract ABI unavailable")
	ErrNoSigner         = errors.New("chain: no signing key configured")
	ErrInvalidKey       = errors.New("chain: invalid private key")
	ErrRPCConnection    = errors.New("chain: RPC connection failed")
	ErrChainIDMismatch  = errors.New("chain: RPC chain id does not match configuration")
	ErrNoReader         = errors.New("chain: no RPC endpoint configured for reads")
	ErrReverted         = errors.New("chain: execution reverted")
	ErrTimeout          = errors.New("chain: confirmation timed out")
	ErrUnknownNetwork   = errors.New("chain: no client for network")
	ErrUnexpectedOutput = errors.New("chain: unexpected call output")
)

// SetupError reports malformed input detected before any network I/O.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("chain: %s: %v", e.Op, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// InitializationError reports a missing or invalid RPC endpoint, signing
// key or contract ABI.
type InitializationError struct {
	Network string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("chain: %s not initialized: %v", e.Network, e.Err)
}
func (e *InitializationError) Unwrap() error { return e.Err }

// RevertError reports a contract call whose precondition failed, either at
// pre-flight simulation or after being mined. Reason is the revert string
// exactly as the contract produced it.
type RevertError struct {
	Method   string
	Contract string
	TxHash   string
	Reason   string
}

func (e *RevertError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s reverted (tx: %s): %s", e.Method, e.TxHash, e.Reason)
	}
	return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
}
func (e *RevertError) Unwrap() error { return ErrReverted }

// NetworkError reports an RPC failure or a confirmation that did not
// arrive in time (errors.Is(err, ErrTimeout)).
type NetworkError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *NetworkError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}
func (e *NetworkError) Unwrap() error { return e.Err }

// IsSetup reports whether err is a SetupError.
func IsSetup(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// IsInitialization reports whether err is an InitializationError.
func IsInitialization(err error) bool {
	var ie *InitializationError
	return errors.As(err, &ie)
}

// IsRevert reports whether err is an on-chain revert.
func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}

// IsNetwork reports whether err is a NetworkError (including timeouts).
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
