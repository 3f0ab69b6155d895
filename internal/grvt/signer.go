package grvt

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// Order payloads are signed as EIP-712 typed data over the GRVT exchange
// domain. Sizes and prices are fixed-point integers with 9 decimals.
const priceMultiplier = 9

var chainIDByEnv = map[string]int64{
	"prod":    325,
	"testnet": 326,
	"dev":     327,
}

type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
	chainID int64
}

func NewSigner(hexKey, env string) (*Signer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	chainID, ok := chainIDByEnv[strings.ToLower(strings.TrimSpace(env))]
	if !ok {
		return nil, fmt.Errorf("unsupported env %q", env)
	}
	return &Signer{
		privKey: key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder fills order.Signature in place. The instrument hash comes from the
// exchange's instrument metadata and identifies the asset in the signed payload.
func (s *Signer) SignOrder(order *Order, instrumentHashes map[string]string) error {
	if order == nil {
		return errors.New("order is required")
	}
	if len(order.Legs) == 0 {
		return errors.New("order has no legs")
	}
	legs := make([]map[string]any, 0, len(order.Legs))
	for _, leg := range order.Legs {
		hash, ok := instrumentHashes[leg.Instrument]
		if !ok || hash == "" {
			return fmt.Errorf("missing instrument hash for %s", leg.Instrument)
		}
		size, err := fixedPoint(leg.Size)
		if err != nil {
			return fmt.Errorf("leg size: %w", err)
		}
		price, err := fixedPoint(leg.LimitPrice)
		if err != nil {
			return fmt.Errorf("leg limit price: %w", err)
		}
		legs = append(legs, map[string]any{
			"assetID":          hash,
			"contractSize":     size.String(),
			"limitPrice":       price.String(),
			"isBuyingContract": leg.IsBuyingAsset,
		})
	}
	subAccountID, ok := new(big.Int).SetString(order.SubAccountID, 10)
	if !ok {
		return fmt.Errorf("invalid sub account id %q", order.SubAccountID)
	}
	expiration, ok := new(big.Int).SetString(order.Signature.Expiration, 10)
	if !ok {
		return fmt.Errorf("invalid signature expiration %q", order.Signature.Expiration)
	}
	typed := apitypes.TypedData{
		Domain: apitypes.TypedDataDomain{
			Name:    "GRVT Exchange",
			Version: "0",
			ChainId: math.NewHexOrDecimal256(s.chainID),
		},
		PrimaryType: "Order",
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Order": {
				{Name: "subAccountID", Type: "uint64"},
				{Name: "isMarket", Type: "bool"},
				{Name: "timeInForce", Type: "uint8"},
				{Name: "postOnly", Type: "bool"},
				{Name: "reduceOnly", Type: "bool"},
				{Name: "legs", Type: "OrderLeg[]"},
				{Name: "nonce", Type: "uint32"},
				{Name: "expiration", Type: "int64"},
			},
			"OrderLeg": {
				{Name: "assetID", Type: "uint256"},
				{Name: "contractSize", Type: "uint64"},
				{Name: "limitPrice", Type: "uint64"},
				{Name: "isBuyingContract", Type: "bool"},
			},
		},
		Message: apitypes.TypedDataMessage{
			"subAccountID": subAccountID.String(),
			"isMarket":     order.IsMarket,
			"timeInForce":  timeInForceCode(order.TimeInForce),
			"postOnly":     order.PostOnly,
			"reduceOnly":   order.ReduceOnly,
			"legs":         legs,
			"nonce":        new(big.Int).SetUint64(uint64(order.Signature.Nonce)).String(),
			"expiration":   expiration.String(),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return err
	}
	order.Signature.Signer = s.address.Hex()
	order.Signature.R = hexutil.Encode(sig[:32])
	order.Signature.S = hexutil.Encode(sig[32:64])
	order.Signature.V = int(sig[64]) + 27
	return nil
}

func timeInForceCode(tif string) string {
	switch tif {
	case TimeInForceGoodTillTime:
		return "1"
	case "ALL_OR_NONE":
		return "2"
	case "IMMEDIATE_OR_CANCEL":
		return "3"
	case "FILL_OR_KILL":
		return "4"
	default:
		return "1"
	}
}

func fixedPoint(value string) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	scaled := d.Shift(priceMultiplier)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("value %s exceeds %d decimals", value, priceMultiplier)
	}
	return scaled.BigInt(), nil
}
