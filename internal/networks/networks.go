// Package networks is the registry of blockchain networks the engine can
// settle on, with per-family address and token validation.
package networks

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownNetwork = errors.New("networks: unknown network")
	ErrInvalidAddress = errors.New("networks: invalid wallet address")
	ErrInvalidToken   = errors.New("networks: invalid token address")
)

// Family groups networks that share an address format.
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilyCosmos Family = "cosmos"
	FamilySolana Family = "solana"
)

// Network describes one settlement network.
type Network struct {
	Name    string `json:"name"`
	Family  Family `json:"family"`
	ChainID int64  `json:"chainId,omitempty"`
	// Bech32Prefix is the human-readable part for Cosmos addresses.
	Bech32Prefix string `json:"bech32Prefix,omitempty"`
	Testnet      bool   `json:"testnet,omitempty"`
}

var registry = map[string]Network{
	"ethereum":     {Name: "ethereum", Family: FamilyEVM, ChainID: 1},
	"sepolia":      {Name: "sepolia", Family: FamilyEVM, ChainID: 11155111, Testnet: true},
	"polygon":      {Name: "polygon", Family: FamilyEVM, ChainID: 137},
	"amoy":         {Name: "amoy", Family: FamilyEVM, ChainID: 80002, Testnet: true},
	"arbitrum":     {Name: "arbitrum", Family: FamilyEVM, ChainID: 42161},
	"optimism":     {Name: "optimism", Family: FamilyEVM, ChainID: 10},
	"base":         {Name: "base", Family: FamilyEVM, ChainID: 8453},
	"base-sepolia": {Name: "base-sepolia", Family: FamilyEVM, ChainID: 84532, Testnet: true},
	"bsc":          {Name: "bsc", Family: FamilyEVM, ChainID: 56},
	"avalanche":    {Name: "avalanche", Family: FamilyEVM, ChainID: 43114},
	"cosmoshub":    {Name: "cosmoshub", Family: FamilyCosmos, Bech32Prefix: "cosmos"},
	"osmosis":      {Name: "osmosis", Family: FamilyCosmos, Bech32Prefix: "osmo"},
	"noble":        {Name: "noble", Family: FamilyCosmos, Bech32Prefix: "noble"},
	"neutron":      {Name: "neutron", Family: FamilyCosmos, Bech32Prefix: "neutron"},
	"solana":       {Name: "solana", Family: FamilySolana},
}

// Lookup returns the network registered under name (case-insensitive).
func Lookup(name string) (Network, error) {
	n, ok := registry[Normalize(name)]
	if !ok {
		return Network{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return n, nil
}

// Normalize lower-cases and trims a network name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Same reports whether two names refer to the same network.
func Same(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Names lists every registered network, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateWalletAddress checks addr against the format of network's family.
func ValidateWalletAddress(network, addr string) error {
	n, err := Lookup(network)
	if err != nil {
		return err
	}
	if addr == "" {
		return fmt.Errorf("%w: empty address for %s", ErrInvalidAddress, n.Name)
	}
	switch n.Family {
	case FamilyEVM:
		if !common.IsHexAddress(addr) || !strings.HasPrefix(addr, "0x") {
			return fmt.Errorf("%w: %q is not a hex address on %s", ErrInvalidAddress, addr, n.Name)
		}
	case FamilyCosmos:
		hrp, data, err := bech32.Decode(addr)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
		}
		if hrp != n.Bech32Prefix {
			return fmt.Errorf("%w: %q has prefix %q, want %q", ErrInvalidAddress, addr, hrp, n.Bech32Prefix)
		}
		if len(data) == 0 {
			return fmt.Errorf("%w: %q has no payload", ErrInvalidAddress, addr)
		}
	case FamilySolana:
		if !isSolanaKey(addr) {
			return fmt.Errorf("%w: %q is not a base58 public key", ErrInvalidAddress, addr)
		}
	}
	return nil
}

var cosmosDenom = regexp.MustCompile(`^(ibc/[0-9A-Fa-f]{64}|factory/[a-z0-9]+/[A-Za-z0-9._-]+|[a-z][a-z0-9]{2,127})$`)

// ValidateTokenAddress checks a token identifier for network. EVM tokens are
// contract addresses (the zero address denotes the native asset), Cosmos
// tokens are denoms and Solana tokens are mint keys.
func ValidateTokenAddress(network, token string) error {
	n, err := Lookup(network)
	if err != nil {
		return err
	}
	switch n.Family {
	case FamilyEVM:
		if !common.IsHexAddress(token) || !strings.HasPrefix(token, "0x") {
			return fmt.Errorf("%w: %q on %s", ErrInvalidToken, token, n.Name)
		}
	case FamilyCosmos:
		if !cosmosDenom.MatchString(token) {
			return fmt.Errorf("%w: %q is not a denom", ErrInvalidToken, token)
		}
	case FamilySolana:
		if !isSolanaKey(token) {
			return fmt.Errorf("%w: %q is not a mint key", ErrInvalidToken, token)
		}
	}
	return nil
}

// IsEVM reports whether network belongs to the EVM family.
func IsEVM(network string) bool {
	n, err := Lookup(network)
	return err == nil && n.Family == FamilyEVM
}

func isSolanaKey(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	return len(base58.Decode(s)) == 32
}
