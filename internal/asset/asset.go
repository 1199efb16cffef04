// Package asset holds the registry of tradable assets and the conversion
// whitelist between them.
package asset

import (
	"fmt"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/model"
)

// Kind classifies an asset by where it is held.
type Kind string

const (
	KindCustody   Kind = "CUSTODY"
	KindSynthetic Kind = "SYNTHETIC"
	KindCash      Kind = "CASH"
)

// PairKind describes how a conversion between two assets settles.
type PairKind string

const (
	// PairMint converts a custody asset into its paired synthetic 1:1.
	PairMint PairKind = "MINT"
	// PairBurn converts a synthetic back into its paired custody asset 1:1.
	PairBurn PairKind = "BURN"
	// PairSwap exchanges one synthetic for another at relative spot prices.
	PairSwap PairKind = "SWAP"
)

// Asset describes one ledger asset.
type Asset struct {
	Code string `json:"code"`
	Kind Kind   `json:"kind"`
	// Pair is the 1:1 counterpart: a custody asset's synthetic or a
	// synthetic's custody asset.
	Pair            string `json:"pair,omitempty"`
	OracleSymbol    string `json:"oracle_symbol,omitempty"`
	HedgeInstrument string `json:"hedge_instrument,omitempty"`
}

// AccountKind is the account an asset is held in.
func (a Asset) AccountKind() model.AccountKind {
	if a.Kind == KindCustody {
		return model.AccountFunding
	}
	return model.AccountTrading
}

// Registry is an immutable set of assets. Safe for concurrent use.
type Registry struct {
	assets map[string]Asset
	order  []string
	cash   string
}

// NewRegistry validates the asset set: codes are unique, custody and
// synthetic assets are paired with each other in both directions, synthetic
// assets carry an oracle symbol, and exactly one cash asset exists.
func NewRegistry(assets []Asset) (*Registry, error) {
	r := &Registry{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		if a.Code == "" {
			return nil, fmt.Errorf("asset: empty code")
		}
		if _, dup := r.assets[a.Code]; dup {
			return nil, fmt.Errorf("asset: duplicate code %s", a.Code)
		}
		switch a.Kind {
		case KindCustody, KindSynthetic:
		case KindCash:
			if r.cash != "" {
				return nil, fmt.Errorf("asset: more than one cash asset (%s, %s)", r.cash, a.Code)
			}
			r.cash = a.Code
		default:
			return nil, fmt.Errorf("asset: %s has unknown kind %q", a.Code, a.Kind)
		}
		r.assets[a.Code] = a
		r.order = append(r.order, a.Code)
	}
	if r.cash == "" {
		return nil, fmt.Errorf("asset: no cash asset configured")
	}

	for _, a := range r.assets {
		switch a.Kind {
		case KindSynthetic:
			if a.OracleSymbol == "" {
				return nil, fmt.Errorf("asset: synthetic %s has no oracle symbol", a.Code)
			}
			fallthrough
		case KindCustody:
			p, ok := r.assets[a.Pair]
			if !ok || p.Pair != a.Code || p.Kind == a.Kind || p.Kind == KindCash {
				return nil, fmt.Errorf("asset: %s must be paired with a %s asset that pairs back", a.Code, opposite(a.Kind))
			}
		}
	}
	return r, nil
}

func opposite(k Kind) Kind {
	if k == KindCustody {
		return KindSynthetic
	}
	return KindCustody
}

// Get looks up an asset. Unknown codes are a validation error.
func (r *Registry) Get(code string) (Asset, error) {
	a, ok := r.assets[code]
	if !ok {
		return Asset{}, apperr.Validation("unsupported asset %q", code)
	}
	return a, nil
}

// Synthetic returns code's asset if it is a synthetic.
func (r *Registry) Synthetic(code string) (Asset, error) {
	a, err := r.Get(code)
	if err != nil {
		return Asset{}, err
	}
	if a.Kind != KindSynthetic {
		return Asset{}, apperr.Validation("asset %s is not a synthetic", code)
	}
	return a, nil
}

// Synthetics lists the synthetic assets in configuration order.
func (r *Registry) Synthetics() []Asset {
	var out []Asset
	for _, code := range r.order {
		if a := r.assets[code]; a.Kind == KindSynthetic {
			out = append(out, a)
		}
	}
	return out
}

// Cash returns the cash asset quotes are denominated in.
func (r *Registry) Cash() Asset {
	return r.assets[r.cash]
}

// ValidateConversion applies the pair whitelist: a custody asset converts
// only to its paired synthetic and back, synthetics convert freely among
// each other, and nothing else is allowed.
func (r *Registry) ValidateConversion(from, to string) (PairKind, error) {
	src, err := r.Get(from)
	if err != nil {
		return "", err
	}
	dst, err := r.Get(to)
	if err != nil {
		return "", err
	}
	switch {
	case src.Kind == KindCustody && dst.Kind == KindSynthetic && src.Pair == dst.Code:
		return PairMint, nil
	case src.Kind == KindSynthetic && dst.Kind == KindCustody && src.Pair == dst.Code:
		return PairBurn, nil
	case src.Kind == KindSynthetic && dst.Kind == KindSynthetic && src.Code != dst.Code:
		return PairSwap, nil
	}
	return "", apperr.Validation("unsupported pair %s -> %s", from, to)
}
