package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeCDP AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// CDP sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeDebt
	SubTypeAccruedFees

	// System sub-types
	SubTypeSystemFeeRevenue

	// External sub-types
	SubTypeExternalCollateral
	SubTypeExternalStableIssued
)

// AssetID identifies what an account is denominated in
type AssetID uint16

const (
	AssetCollateral AssetID = 1
	AssetStable     AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"COLLATERAL": AssetCollateral,
		"STABLE":     AssetStable,
	}
	idToAsset = map[AssetID]string{
		AssetCollateral: "COLLATERAL",
		AssetStable:     "STABLE",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // CDP id for CDP accounts, zero otherwise
	SubType  AccountSubType
	AssetID  AssetID
}

// NewCDPAccountKey creates a key for a CDP's own accounts
func NewCDPAccountKey(cdpID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeCDP,
		EntityID: cdpID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for protocol-owned accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Shorthands for the fixed account set
func CollateralAccount(cdpID uuid.UUID) AccountKey {
	return NewCDPAccountKey(cdpID, SubTypeCollateral, AssetCollateral)
}

func DebtAccount(cdpID uuid.UUID) AccountKey {
	return NewCDPAccountKey(cdpID, SubTypeDebt, AssetStable)
}

func AccruedFeesAccount(cdpID uuid.UUID) AccountKey {
	return NewCDPAccountKey(cdpID, SubTypeAccruedFees, AssetStable)
}

func FeeRevenueAccount() AccountKey {
	return NewSystemAccountKey(SubTypeSystemFeeRevenue, AssetStable)
}

func ExternalCollateralAccount() AccountKey {
	return NewExternalAccountKey(SubTypeExternalCollateral, AssetCollateral)
}

func StableIssuedAccount() AccountKey {
	return NewExternalAccountKey(SubTypeExternalStableIssued, AssetStable)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeCDP:
		id := uuid.UUID(k.EntityID)
		return fmt.Sprintf("cdp:%s:%s:%s", id.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeDebt:
		return "debt"
	case SubTypeAccruedFees:
		return "accrued_fees"
	case SubTypeSystemFeeRevenue:
		return "fee_revenue"
	case SubTypeExternalCollateral:
		return "collateral"
	case SubTypeExternalStableIssued:
		return "stable_issued"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	var (
		key                AccountKey
		subName, assetName string
	)
	switch {
	case len(parts) == 4 && parts[0] == "cdp":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		key.Scope = AccountScopeCDP
		key.EntityID = id
		subName, assetName = parts[2], parts[3]
	case len(parts) == 3 && parts[0] == "system":
		key.Scope = AccountScopeSystem
		subName, assetName = parts[1], parts[2]
	case len(parts) == 3 && parts[0] == "external":
		key.Scope = AccountScopeExternal
		subName, assetName = parts[1], parts[2]
	default:
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	assetID, ok := GetAssetID(assetName)
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown asset %s", path, assetName)
	}
	key.AssetID = assetID

	subType, ok := subTypesByScope[key.Scope][subName]
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %s", path, subName)
	}
	key.SubType = subType

	return key, nil
}

var subTypesByScope = map[AccountScope]map[string]AccountSubType{
	AccountScopeCDP: {
		"collateral":   SubTypeCollateral,
		"debt":         SubTypeDebt,
		"accrued_fees": SubTypeAccruedFees,
	},
	AccountScopeSystem: {
		"fee_revenue": SubTypeSystemFeeRevenue,
	},
	AccountScopeExternal: {
		"collateral":    SubTypeExternalCollateral,
		"stable_issued": SubTypeExternalStableIssued,
	},
}
