package posting

import "context"

// Accounts holds the fallback account codes used when no mapping row exists
// for a posting role.
type Accounts struct {
	Inventory      string `yaml:"inventory"`
	GRIR           string `yaml:"grir"`
	Payable        string `yaml:"payable"`
	Cash           string `yaml:"cash"`
	Receivable     string `yaml:"receivable"`
	Revenue        string `yaml:"revenue"`
	COGS           string `yaml:"cogs"`
	FXGain         string `yaml:"fx_gain"`
	FXLoss         string `yaml:"fx_loss"`
	AdjustmentGain string `yaml:"adjustment_gain"`
	AdjustmentLoss string `yaml:"adjustment_loss"`
}

// DefaultAccounts returns the standard chart codes.
func DefaultAccounts() Accounts {
	return Accounts{
		Inventory:      "1300",
		GRIR:           "2150",
		Payable:        "2100",
		Cash:           "1000",
		Receivable:     "1200",
		Revenue:        "4000",
		COGS:           "5000",
		FXGain:         "4900",
		FXLoss:         "5900",
		AdjustmentGain: "4910",
		AdjustmentLoss: "5910",
	}
}

// Merge returns a with every non-empty code of override applied.
func (a Accounts) Merge(override Accounts) Accounts {
	pick := func(base, over string) string {
		if over != "" {
			return over
		}
		return base
	}
	return Accounts{
		Inventory:      pick(a.Inventory, override.Inventory),
		GRIR:           pick(a.GRIR, override.GRIR),
		Payable:        pick(a.Payable, override.Payable),
		Cash:           pick(a.Cash, override.Cash),
		Receivable:     pick(a.Receivable, override.Receivable),
		Revenue:        pick(a.Revenue, override.Revenue),
		COGS:           pick(a.COGS, override.COGS),
		FXGain:         pick(a.FXGain, override.FXGain),
		FXLoss:         pick(a.FXLoss, override.FXLoss),
		AdjustmentGain: pick(a.AdjustmentGain, override.AdjustmentGain),
		AdjustmentLoss: pick(a.AdjustmentLoss, override.AdjustmentLoss),
	}
}

// mapping keys resolved through account_mappings before the fallbacks apply.
const (
	keyInventory      = "inventory"
	keyGRIR           = "grir"
	keyPayable        = "payable"
	keyCash           = "cash"
	keyReceivable     = "receivable"
	keyRevenue        = "revenue"
	keyCOGS           = "cogs"
	keyFXGain         = "fx.gain"
	keyFXLoss         = "fx.loss"
	keyAdjustmentGain = "adjustment.gain"
	keyAdjustmentLoss = "adjustment.loss"
)

func (a Accounts) fallback(key string) string {
	switch key {
	case keyInventory:
		return a.Inventory
	case keyGRIR:
		return a.GRIR
	case keyPayable:
		return a.Payable
	case keyCash:
		return a.Cash
	case keyReceivable:
		return a.Receivable
	case keyRevenue:
		return a.Revenue
	case keyCOGS:
		return a.COGS
	case keyFXGain:
		return a.FXGain
	case keyFXLoss:
		return a.FXLoss
	case keyAdjustmentGain:
		return a.AdjustmentGain
	case keyAdjustmentLoss:
		return a.AdjustmentLoss
	}
	return ""
}

// resolve returns the account codes for keys in order.
func (s *Service) resolve(ctx context.Context, module string, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	for i, key := range keys {
		code, err := s.ledger.ResolveAccount(ctx, module, key, s.accounts.fallback(key))
		if err != nil {
			return nil, err
		}
		out[i] = code
	}
	return out, nil
}
