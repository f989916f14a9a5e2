package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ecuworks/tuneportal/pkg/credits"
)

// Domain-level error values returned by the pricing resolver.
var (
	ErrEmptySelection        = errors.New("empty option selection")
	ErrUnknownOption         = errors.New("unknown tuning option")
	ErrInvalidOptionCost     = errors.New("invalid option cost")
	ErrInvalidResolverConfig = errors.New("invalid resolver config")
)

// Option is a catalog entry priced in credits.
type Option struct {
	OptionID    string
	Name        string
	Description string
	CreditCost  credits.Credits
}

// Source is the read-only catalog contract consumed by the Resolver.
type Source interface {
	OptionsByIDs(ctx context.Context, optionIDs []string) ([]Option, error)
}

// QuoteLine records the cost of one selected option at pricing time.
type QuoteLine struct {
	OptionID   string
	Name       string
	CreditCost credits.Credits
}

// Quote is the total cost of an option selection.
type Quote struct {
	Lines        []QuoteLine
	TotalCredits credits.Credits
}

// Resolver prices option selections against the catalog.
// Pure and read-only; safe to call outside any transaction.
type Resolver struct {
	source Source
}

// NewResolver wires a Resolver.
func NewResolver(source Source) (*Resolver, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: source dependency is nil", ErrInvalidResolverConfig)
	}
	return &Resolver{source: source}, nil
}

// Price computes the total credit cost of the selected options.
// Duplicate ids are collapsed; a request must select at least one option.
func (resolver *Resolver) Price(ctx context.Context, optionIDs []string) (Quote, error) {
	normalized := normalizeSelection(optionIDs)
	if len(normalized) == 0 {
		return Quote{}, ErrEmptySelection
	}
	options, err := resolver.source.OptionsByIDs(ctx, normalized)
	if err != nil {
		return Quote{}, err
	}
	byID := make(map[string]Option, len(options))
	for _, option := range options {
		byID[option.OptionID] = option
	}

	quote := Quote{Lines: make([]QuoteLine, 0, len(normalized))}
	for _, optionID := range normalized {
		option, found := byID[optionID]
		if !found {
			return Quote{}, fmt.Errorf("%w: %s", ErrUnknownOption, optionID)
		}
		if option.CreditCost < 0 {
			return Quote{}, fmt.Errorf("%w: option %s costs %d", ErrInvalidOptionCost, optionID, option.CreditCost)
		}
		quote.Lines = append(quote.Lines, QuoteLine{
			OptionID:   option.OptionID,
			Name:       option.Name,
			CreditCost: option.CreditCost,
		})
		quote.TotalCredits += option.CreditCost
	}
	return quote, nil
}

func normalizeSelection(optionIDs []string) []string {
	seen := make(map[string]struct{}, len(optionIDs))
	normalized := make([]string, 0, len(optionIDs))
	for _, raw := range optionIDs {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}
