package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Holder sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeCustody

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address // holder or custody address; zero for external accounts
	SubType AccountSubType
	Token   common.Address
}

// NewHolderAccountKey creates a key for a token holder's wallet
func NewHolderAccountKey(owner, token common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeHolder,
		Owner:   owner,
		SubType: SubTypeWallet,
		Token:   token,
	}
}

// NewCustodyAccountKey creates the key for tokens held by the settlement engine
func NewCustodyAccountKey(custody, token common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		Owner:   custody,
		SubType: SubTypeCustody,
		Token:   token,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, token common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Token:   token,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	token := strings.ToLower(k.Token.Hex())

	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s:%s", strings.ToLower(k.Owner.Hex()), k.subTypeName(), token)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", strings.ToLower(k.Owner.Hex()), k.subTypeName(), token)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), token)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeCustody:
		return "custody"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

func parseSubType(name string) (AccountSubType, bool) {
	switch name {
	case "wallet":
		return SubTypeWallet, true
	case "custody":
		return SubTypeCustody, true
	case "deposits":
		return SubTypeExternalDeposits, true
	case "withdrawals":
		return SubTypeExternalWithdrawals, true
	}
	return 0, false
}

// ParseAccountPath is the inverse of AccountPath. Used when rebuilding balances
// from persisted journals.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && (parts[0] == "holder" || parts[0] == "system"):
		if !common.IsHexAddress(parts[1]) || !common.IsHexAddress(parts[3]) {
			return AccountKey{}, fmt.Errorf("invalid address in account path %q", path)
		}
		subType, ok := parseSubType(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("unknown sub-type in account path %q", path)
		}
		scope := AccountScopeHolder
		if parts[0] == "system" {
			scope = AccountScopeSystem
		}
		return AccountKey{
			Scope:   scope,
			Owner:   common.HexToAddress(parts[1]),
			SubType: subType,
			Token:   common.HexToAddress(parts[3]),
		}, nil

	case len(parts) == 3 && parts[0] == "external":
		if !common.IsHexAddress(parts[2]) {
			return AccountKey{}, fmt.Errorf("invalid token in account path %q", path)
		}
		subType, ok := parseSubType(parts[1])
		if !ok {
			return AccountKey{}, fmt.Errorf("unknown sub-type in account path %q", path)
		}
		return NewExternalAccountKey(subType, common.HexToAddress(parts[2])), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
