package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"pixmed/internal/domain"
)

// Config models pixmed.yml.
type Config struct {
	Service struct {
		ID string `yaml:"id"`
	} `yaml:"service"`
	Validation struct {
		DeadlineDays int      `yaml:"deadline_days"`
		Reasons      []string `yaml:"reasons"`
	} `yaml:"validation"`
	Risk struct {
		HighAmount string `yaml:"high_amount"`
		LowAmount  string `yaml:"low_amount"`
	} `yaml:"risk"`
	Settlement struct {
		BlockedAccounts []string `yaml:"blocked_accounts"`
	} `yaml:"settlement"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
	Seed     Seed            `yaml:"seed"`
}

// WebhookConfig declares one event fan-out target. An empty Events list
// delivers every event type.
type WebhookConfig struct {
	URL            string            `yaml:"url" json:"url"`
	Enabled        *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Events         []string          `yaml:"events,omitempty" json:"events,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Seed describes ledger fixtures loadable with `pixmed ledger seed`.
type Seed struct {
	Accounts     map[string]string `yaml:"accounts"`
	Transactions []SeedTransaction `yaml:"transactions"`
}

// SeedTransaction is one ledger fixture; AgeDays is relative to seeding time.
type SeedTransaction struct {
	ID        string `yaml:"id"`
	Amount    string `yaml:"amount"`
	PayerID   string `yaml:"payer_id"`
	PayerName string `yaml:"payer_name"`
	PayeeID   string `yaml:"payee_id"`
	PayeeName string `yaml:"payee_name"`
	AgeDays   int    `yaml:"age_days"`
	Status    string `yaml:"status"`
}

// HighRiskAmount returns the amount above which a case is HIGH risk.
func (c *Config) HighRiskAmount() decimal.Decimal {
	return mustDecimal(c.Risk.HighAmount)
}

// LowRiskAmount returns the operational-failure auto-approval ceiling.
func (c *Config) LowRiskAmount() decimal.Decimal {
	return mustDecimal(c.Risk.LowAmount)
}

// BlockedAccountSet returns the settlement denylist as a set.
func (c *Config) BlockedAccountSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Settlement.BlockedAccounts))
	for _, id := range c.Settlement.BlockedAccounts {
		set[id] = struct{}{}
	}
	return set
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Validation.DeadlineDays <= 0 {
		return fmt.Errorf("config.validation.deadline_days must be positive")
	}
	if len(c.Validation.Reasons) == 0 {
		return fmt.Errorf("config.validation.reasons is required")
	}
	for _, r := range c.Validation.Reasons {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("config.validation.reasons contains a blank code")
		}
	}
	if _, err := decimal.NewFromString(c.Risk.HighAmount); err != nil {
		return fmt.Errorf("config.risk.high_amount: %w", err)
	}
	if _, err := decimal.NewFromString(c.Risk.LowAmount); err != nil {
		return fmt.Errorf("config.risk.low_amount: %w", err)
	}
	if c.HighRiskAmount().LessThanOrEqual(c.LowRiskAmount()) {
		return fmt.Errorf("config.risk.high_amount must exceed low_amount")
	}
	for id, bal := range c.Seed.Accounts {
		if id == "" {
			return fmt.Errorf("config.seed.accounts contains an empty account id")
		}
		if _, err := decimal.NewFromString(bal); err != nil {
			return fmt.Errorf("config.seed.accounts[%s]: %w", id, err)
		}
	}
	for _, tx := range c.Seed.Transactions {
		if tx.ID == "" || tx.PayerID == "" || tx.PayeeID == "" {
			return fmt.Errorf("config.seed.transactions entry missing id/payer/payee")
		}
		if _, err := decimal.NewFromString(tx.Amount); err != nil {
			return fmt.Errorf("config.seed.transactions[%s].amount: %w", tx.ID, err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pixmed.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left
// unset fall back to defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// AcceptedReason reports whether the reason code, case-insensitively, is in
// the configured accepted set.
func (c *Config) AcceptedReason(reason string) bool {
	upper := strings.ToUpper(strings.TrimSpace(reason))
	for _, r := range c.Validation.Reasons {
		if upper == strings.ToUpper(r) {
			return true
		}
	}
	return false
}

var defaultTemplate = fmt.Sprintf(`service:
  id: pix-med

validation:
  deadline_days: 79
  reasons: [%s, %s, %s]

risk:
  high_amount: "1000.00"
  low_amount: "50.00"

settlement:
  blocked_accounts: [CONTA_BLOQUEADA_MOCK]

seed:
  accounts:
    "55566677788": "1000.00"
    "88899900011": "500.00"
    "11122233344": "200.00"
    "22233344455": "300.00"
    CONTA_SEM_SALDO_MOCK: "5.00"
  transactions:
    - id: TXID_VALIDA_001
      amount: "100.00"
      payer_id: "11122233344"
      payer_name: Cliente Pagador Um
      payee_id: "55566677788"
      payee_name: Comercio Recebedor A
      age_days: 10
      status: CONCLUIDA
    - id: TXID_VALIDA_002
      amount: "50.50"
      payer_id: "22233344455"
      payer_name: Cliente Pagador Dois
      payee_id: "88899900011"
      payee_name: Servico Recebedor B
      age_days: 90
      status: CONCLUIDA
    - id: TXID_INVALIDA_PAGADOR
      amount: "75.00"
      payer_id: "99988877766"
      payer_name: Outro Pagador
      payee_id: "11122233344"
      payee_name: Comercio Recebedor C
      age_days: 5
      status: CONCLUIDA
    - id: TXID_PARA_ANALISE_MANUAL_001
      amount: "250.75"
      payer_id: "77788899900"
      payer_name: Cliente Pagador Manual
      payee_id: "33344455566"
      payee_name: Loja Recebedora Manual
      age_days: 20
      status: CONCLUIDA
    - id: TXID_RECEBEDOR_SEM_SALDO_006
      amount: "10.00"
      payer_id: "66677788899"
      payer_name: Cliente Pagador Saldo Teste
      payee_id: CONTA_SEM_SALDO_MOCK
      payee_name: Comercio Azarado
      age_days: 5
      status: CONCLUIDA
`, domain.ReasonFraudConfirmed, domain.ReasonBankOperationalFailure, domain.ReasonUndueCharge)
