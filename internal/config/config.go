package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models veridraw.yml.
type Config struct {
	Currency string `yaml:"currency"`
	Payments struct {
		Method       string `yaml:"method"`
		MemoTemplate string `yaml:"memo_template"`
	} `yaml:"payments"`
	ChangeOrders struct {
		DefaultEvidence []string `yaml:"default_evidence"`
	} `yaml:"change_orders"`
	Evidence struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"evidence"`
	Templates     map[string]Template `yaml:"templates"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

// Template is a reusable milestone breakdown expressed in percentages.
type Template struct {
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Milestones  []TemplateStep `yaml:"milestones"`
}

type TemplateStep struct {
	Title            string   `yaml:"title"`
	Percentage       Percent  `yaml:"percentage"`
	RequiredEvidence []string `yaml:"required_evidence"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Percent is a decimal percentage parsed from a YAML scalar.
type Percent struct {
	decimal.Decimal
}

func (p *Percent) UnmarshalYAML(node *yaml.Node) error {
	d, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: percentage %q: %w", node.Line, node.Value, err)
	}
	p.Decimal = d
	return nil
}

func (p Percent) MarshalYAML() (any, error) {
	return p.Decimal.String(), nil
}

var hundred = decimal.NewFromInt(100)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with vd config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Currency) != 3 || strings.ToUpper(c.Currency) != c.Currency {
		return fmt.Errorf("config.currency must be a 3-letter ISO code, got %q", c.Currency)
	}
	if strings.TrimSpace(c.Payments.Method) == "" {
		return fmt.Errorf("config.payments.method is required")
	}
	for _, t := range c.ChangeOrders.DefaultEvidence {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("config.change_orders.default_evidence contains an empty type")
		}
		if err := c.checkEvidenceType(t); err != nil {
			return fmt.Errorf("change_orders: %w", err)
		}
	}
	for key, tpl := range c.Templates {
		if key == "" {
			return fmt.Errorf("config.templates contains an empty key")
		}
		if strings.TrimSpace(tpl.Title) == "" {
			return fmt.Errorf("template %s: title is required", key)
		}
		if len(tpl.Milestones) == 0 {
			return fmt.Errorf("template %s: at least one milestone is required", key)
		}
		sum := decimal.Zero
		for i, step := range tpl.Milestones {
			if strings.TrimSpace(step.Title) == "" {
				return fmt.Errorf("template %s: milestone %d has no title", key, i+1)
			}
			if !step.Percentage.IsPositive() {
				return fmt.Errorf("template %s: milestone %q percentage must be positive", key, step.Title)
			}
			for _, t := range step.RequiredEvidence {
				if err := c.checkEvidenceType(t); err != nil {
					return fmt.Errorf("template %s: %w", key, err)
				}
			}
			sum = sum.Add(step.Percentage.Decimal)
		}
		if !sum.Equal(hundred) {
			return fmt.Errorf("template %s: percentages sum to %s, want 100", key, sum)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

func (c *Config) checkEvidenceType(t string) error {
	if len(c.Evidence.Catalog) == 0 {
		return nil
	}
	key := strings.ToUpper(strings.TrimSpace(t))
	if _, ok := c.Evidence.Catalog[key]; !ok {
		return fmt.Errorf("unknown evidence type %s", key)
	}
	return nil
}

// TemplateNames returns template keys in sorted order.
func (c *Config) TemplateNames() []string {
	names := make([]string, 0, len(c.Templates))
	for k := range c.Templates {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "veridraw.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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

// Default returns the compiled-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `currency: USD

payments:
  method: WIRE
  memo_template: "Escrow {escrow} / {milestone}"

change_orders:
  default_evidence: [INVOICE]

evidence:
  catalog:
    PHOTO:
      description: "Site photograph of the completed work"
    INSPECTION:
      description: "Inspector report or sign-off"
    PERMIT:
      description: "Municipal permit or permit closure"
    INVOICE:
      description: "Contractor invoice for the work"
    LIEN_WAIVER:
      description: "Signed lien waiver"

templates:
  residential-remodel:
    title: "Residential Remodel – Standard"
    description: "Five-draw schedule for a standard residential remodel"
    milestones:
      - title: Foundation
        percentage: 20
        required_evidence: [PHOTO, INSPECTION]
      - title: Framing
        percentage: 25
        required_evidence: [PHOTO]
      - title: Mechanical/Rough-In
        percentage: 20
        required_evidence: [PERMIT]
      - title: Finish Work
        percentage: 25
        required_evidence: [PHOTO]
      - title: Final/Retainage
        percentage: 10
        required_evidence: [INSPECTION]

notifications:
  webhooks: []
`
