// Package ens reads agent guardrails from ENS text records.
package ens

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/borrowbot/keeper/internal/chain"
	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/cache"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParentName is appended to agent names given as a bare label.
const ParentName = "borrowbot.eth"

// Text record keys.
const (
	KeyMaxLTV            = "borrowbot.maxLtv"
	KeyMinSpread         = "borrowbot.minSpread"
	KeyMaxPositionUSD    = "borrowbot.maxPositionUsd"
	KeyAllowedCollateral = "borrowbot.allowedCollateral"
	KeyPaused            = "borrowbot.paused"
)

var ResolverABI = mustParse(`[
	{"type":"function","name":"text","stateMutability":"view",
	 "inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],
	 "outputs":[{"name":"","type":"string"}]}
]`)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Namehash implements the EIP-137 name hash. Labels are lowercased; full
// UTS-46 normalization is not applied.
func Namehash(name string) common.Hash {
	var node common.Hash
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := crypto.Keccak256Hash([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), label.Bytes())
	}
	return node
}

// FullName qualifies a bare agent label with ParentName.
func FullName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + "." + ParentName
}

// Reader resolves constitutions through the public resolver.
type Reader struct {
	caller   chain.Caller
	resolver common.Address
	cache    cache.Cache[model.Constitution]
}

func NewReader(caller chain.Caller, resolver common.Address, c cache.Cache[model.Constitution]) *Reader {
	if c == nil {
		c = cache.Nop[model.Constitution]{}
	}
	return &Reader{caller: caller, resolver: resolver, cache: c}
}

// GetConstitution returns nil for agents without an ENS name. Missing
// records stay unset; malformed records are an error so callers can fail
// closed.
func (r *Reader) GetConstitution(ctx context.Context, agent *model.Agent) (*model.Constitution, error) {
	if agent == nil || strings.TrimSpace(agent.EnsName) == "" {
		return nil, nil
	}
	name := FullName(agent.EnsName)
	key := "constitution:" + strings.ToLower(name)
	if c, ok := r.cache.Get(ctx, key); ok {
		return &c, nil
	}

	node := Namehash(name)
	records := make(map[string]string, 5)
	for _, k := range []string{KeyMaxLTV, KeyMinSpread, KeyMaxPositionUSD, KeyAllowedCollateral, KeyPaused} {
		v, err := r.text(ctx, node, k)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrUpstream, "read ens record "+k+" of "+name, err)
		}
		records[k] = v
	}
	c, err := Parse(records)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, "constitution of "+name, err)
	}
	r.cache.Set(ctx, key, *c)
	return c, nil
}

func (r *Reader) text(ctx context.Context, node common.Hash, key string) (string, error) {
	out, err := r.caller.CallFunctionByName(ctx, r.resolver, ResolverABI, "text", []any{node, key}, nil)
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", fmt.Errorf("decode text: got %d values", len(out))
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("decode text: unexpected %T", out[0])
	}
	return strings.TrimSpace(s), nil
}

// Parse turns raw text records into a Constitution. Fractions may be written
// as percents: values above 1 are divided by 100.
func Parse(records map[string]string) (*model.Constitution, error) {
	c := &model.Constitution{}
	var err error
	if c.MaxLTV, err = fraction(records[KeyMaxLTV]); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyMaxLTV, err)
	}
	if c.MinSpread, err = fraction(records[KeyMinSpread]); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyMinSpread, err)
	}
	if raw := records[KeyMaxPositionUSD]; raw != "" {
		v, err := strconv.ParseFloat(strings.TrimPrefix(raw, "$"), 64)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s: invalid value %q", KeyMaxPositionUSD, raw)
		}
		c.MaxPositionUSD = &v
	}
	if raw := records[KeyAllowedCollateral]; raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !common.IsHexAddress(part) {
				return nil, fmt.Errorf("%s: invalid address %q", KeyAllowedCollateral, part)
			}
			c.AllowedCollateral = append(c.AllowedCollateral, common.HexToAddress(part))
		}
	}
	if raw := records[KeyPaused]; raw != "" {
		paused, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: invalid value %q", KeyPaused, raw)
		}
		c.Paused = paused
	}
	return c, nil
}

func fraction(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
	if err != nil || v < 0 || v > 100 || math.IsNaN(v) {
		return nil, fmt.Errorf("invalid value %q", raw)
	}
	if v > 1 {
		v /= 100
	}
	return &v, nil
}
