package extractor

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// OverrideRule is one merchant-specific pattern as written in the overrides file.
type OverrideRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// OverridesFile is the on-disk layout:
//
//	merchants:
//	  panaderia-san-jose:
//	    amount:
//	      - name: neto
//	        pattern: '(?i)NETO\s*:?\s*(\d+\.\d{2})'
type OverridesFile struct {
	Merchants map[string]map[Field][]OverrideRule `yaml:"merchants"`
}

// LoadOverrides reads a YAML overrides file. An empty path yields no overrides.
func LoadOverrides(path string) (map[string]RuleSet, error) {
	if path == "" {
		return map[string]RuleSet{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file: %w", err)
	}

	return ParseOverrides(data)
}

// ParseOverrides compiles override rules. Invoice patterns with two capture
// groups are rendered as <series>-<sequence>.
func ParseOverrides(data []byte) (map[string]RuleSet, error) {
	var file OverridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse overrides: %w", err)
	}

	out := make(map[string]RuleSet, len(file.Merchants))
	for slug, fields := range file.Merchants {
		rs := make(RuleSet, len(fields))
		for field, rules := range fields {
			if !knownField(field) {
				return nil, fmt.Errorf("merchant %s: unknown field %q", slug, field)
			}
			for i, r := range rules {
				re, err := regexp.Compile(r.Pattern)
				if err != nil {
					return nil, fmt.Errorf("merchant %s: rule %s: %w", slug, r.Name, err)
				}
				if re.NumSubexp() < 1 {
					return nil, fmt.Errorf("merchant %s: rule %s: pattern needs a capture group", slug, r.Name)
				}
				name := r.Name
				if name == "" {
					name = fmt.Sprintf("%s-override-%d", field, i)
				}
				if field == FieldInvoiceNumber && re.NumSubexp() >= 2 {
					rs[field] = append(rs[field], invoiceRule(name, r.Pattern))
				} else {
					rs[field] = append(rs[field], patternRule(name, r.Pattern))
				}
			}
		}
		out[slug] = rs
	}
	return out, nil
}

func knownField(f Field) bool {
	switch f {
	case FieldTaxID, FieldAmount, FieldInvoiceNumber, FieldMerchantName,
		FieldAddress, FieldVendor, FieldIssuedDate:
		return true
	}
	return false
}
