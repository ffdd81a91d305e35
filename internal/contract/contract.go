// Package contract defines the versioned input-column contract and the
// header compatibility checker that gates every ingestion run.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// ColumnSpec declares one canonical input column and the header names that
// resolve to it.
type ColumnSpec struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// Contract is the immutable description of the expected input file shape.
// It is loaded once at pipeline start and never mutated mid-run.
type Contract struct {
	Version    string       `yaml:"version"`
	Required   []ColumnSpec `yaml:"required"`
	Optional   []ColumnSpec `yaml:"optional"`
	NaturalKey []string     `yaml:"natural_key"`

	hash    string
	aliases map[string]string // normalized alias/name -> canonical name
}

// Load reads a contract YAML file. A missing or malformed file is a hard
// failure: no rows are parsed without a contract.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "contract: read %s", path)
	}

	// The YAML has a top-level "contract" key.
	var wrapper struct {
		Contract Contract `yaml:"contract"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "contract: parse %s", path)
	}

	c := &wrapper.Contract
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

// New builds a contract from specs, mainly for tests and embedded defaults.
func New(version string, required, optional []ColumnSpec, naturalKey []string) (*Contract, error) {
	c := &Contract{
		Version:    version,
		Required:   required,
		Optional:   optional,
		NaturalKey: naturalKey,
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Contract) init() error {
	if c.Version == "" {
		return eris.New("contract: missing version")
	}
	if len(c.Required) == 0 {
		return eris.New("contract: no required columns declared")
	}
	if len(c.NaturalKey) == 0 {
		return eris.New("contract: no natural key fields declared")
	}

	c.aliases = make(map[string]string)
	for _, spec := range append(append([]ColumnSpec{}, c.Required...), c.Optional...) {
		canon := NormalizeHeader(spec.Name)
		if canon == "" {
			return eris.New("contract: empty column name")
		}
		if prev, ok := c.aliases[canon]; ok && prev != spec.Name {
			return eris.Errorf("contract: column %q collides with %q", spec.Name, prev)
		}
		c.aliases[canon] = spec.Name
		for _, a := range spec.Aliases {
			na := NormalizeHeader(a)
			if prev, ok := c.aliases[na]; ok && prev != spec.Name {
				return eris.Errorf("contract: alias %q of %q already maps to %q", a, spec.Name, prev)
			}
			c.aliases[na] = spec.Name
		}
	}

	c.hash = c.computeHash()
	return nil
}

// Hash returns the content hash of the contract, computed once at load.
func (c *Contract) Hash() string { return c.hash }

// Resolve maps a raw header string to its canonical column name.
// The second return is false when the header is not in the contract.
func (c *Contract) Resolve(header string) (string, bool) {
	canon, ok := c.aliases[NormalizeHeader(header)]
	return canon, ok
}

// RequiredNames returns the canonical required column names in declaration order.
func (c *Contract) RequiredNames() []string {
	names := make([]string, len(c.Required))
	for i, spec := range c.Required {
		names[i] = spec.Name
	}
	return names
}

// OptionalNames returns the canonical optional column names in declaration order.
func (c *Contract) OptionalNames() []string {
	names := make([]string, len(c.Optional))
	for i, spec := range c.Optional {
		names[i] = spec.Name
	}
	return names
}

// computeHash digests the canonical serialization of the contract: version,
// column names with sorted aliases, and the natural-key field order.
func (c *Contract) computeHash() string {
	h := sha256.New()
	h.Write([]byte("v=" + c.Version + "\n"))

	writeSpecs := func(label string, specs []ColumnSpec) {
		for _, spec := range specs {
			aliases := make([]string, len(spec.Aliases))
			for i, a := range spec.Aliases {
				aliases[i] = NormalizeHeader(a)
			}
			sort.Strings(aliases)
			h.Write([]byte(label + "=" + NormalizeHeader(spec.Name) + ":" + strings.Join(aliases, ",") + "\n"))
		}
	}
	writeSpecs("req", c.Required)
	writeSpecs("opt", c.Optional)

	h.Write([]byte("key=" + strings.Join(c.NaturalKey, "|") + "\n"))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NormalizeHeader canonicalizes a header string for matching: NFKC unicode
// folding (xlsx exports love non-breaking spaces), lowercase, and collapsed
// separators.
func NormalizeHeader(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "-", " ")
	return strings.Join(strings.Fields(s), " ")
}
