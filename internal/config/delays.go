package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tgpromote/internal/model"
)

// Delays paces one campaign kind. Zero means no pause.
type Delays struct {
	BetweenItems    time.Duration `yaml:"between_items"`
	BetweenTargets  time.Duration `yaml:"between_targets"`
	BetweenAccounts time.Duration `yaml:"between_accounts"`
	BetweenCycles   time.Duration `yaml:"between_cycles"`
	AfterTarget     time.Duration `yaml:"after_target"`
	MaxRetries      int           `yaml:"max_retries"`
}

func (d Delays) validate() error {
	for name, v := range map[string]time.Duration{
		"between_items":    d.BetweenItems,
		"between_targets":  d.BetweenTargets,
		"between_accounts": d.BetweenAccounts,
		"between_cycles":   d.BetweenCycles,
		"after_target":     d.AfterTarget,
	} {
		if v < 0 {
			return fmt.Errorf("%s is negative", name)
		}
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("max_retries is negative")
	}
	return nil
}

// DelayTable holds the pacing of every campaign kind.
type DelayTable map[model.Kind]Delays

// DefaultDelays mirrors the pacing the bot has always shipped with.
func DefaultDelays() DelayTable {
	reply := Delays{BetweenItems: 50 * time.Millisecond, BetweenCycles: 3 * time.Second}
	return DelayTable{
		model.KindPublish: {
			BetweenItems:   100 * time.Millisecond,
			BetweenTargets: 200 * time.Millisecond,
			BetweenCycles:  30 * time.Second,
			AfterTarget:    60 * time.Second,
			MaxRetries:     1,
		},
		model.KindJoin: {
			BetweenTargets: 90 * time.Second,
			BetweenCycles:  5 * time.Second,
		},
		model.KindPrivateReply: reply,
		model.KindGroupReply:   reply,
		model.KindRandomReply:  reply,
	}
}

// For returns the delays of kind, falling back to the defaults.
func (t DelayTable) For(kind model.Kind) Delays {
	if d, ok := t[kind]; ok {
		return d
	}
	return DefaultDelays()[kind]
}

// LoadDelays reads a YAML delay table from path.
func LoadDelays(path string) (DelayTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read delays: %w", err)
	}
	t, err := ParseDelays(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseDelays decodes a YAML document keyed by campaign kind. Fields left
// out of a kind keep their default value; unknown kinds and fields are rejected.
func ParseDelays(raw []byte) (DelayTable, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse delays: %w", err)
	}
	t := DefaultDelays()
	for key, node := range doc {
		kind, ok := model.ParseKind(key)
		if !ok {
			return nil, fmt.Errorf("unknown campaign kind %q", key)
		}
		d := t[kind]
		if err := decodeStrict(&node, &d); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		t[kind] = d
	}
	return t.complete(), nil
}

func decodeStrict(node *yaml.Node, out *Delays) error {
	b, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(out)
}
