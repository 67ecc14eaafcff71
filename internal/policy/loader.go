package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/nv262-lab/vaa-research/internal/crypto"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersions is the semver constraint a document's
// schema_version must satisfy.
const SupportedSchemaVersions = "^1"

const schemaURL = "https://vaa.schemas.local/policy.schema.json"

//go:embed policy.schema.json
var documentSchema string

type LoadedPolicy struct {
	Document Document
	Table    *Table
	Hash     string
	Bytes    []byte
}

// LoadPolicy loads a YAML policy and computes its hash from raw bytes.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return ParsePolicy(data)
}

// ParsePolicy validates raw YAML against the document schema and the
// supported schema versions, then builds the table.
func ParsePolicy(data []byte) (LoadedPolicy, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return LoadedPolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicyDefinition, err)
	}
	if err := validateSchema(generic); err != nil {
		return LoadedPolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicyDefinition, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return LoadedPolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicyDefinition, err)
	}
	if err := checkSchemaVersion(doc.SchemaVersion); err != nil {
		return LoadedPolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicyDefinition, err)
	}

	hash := crypto.DigestWithPrefix(data)
	table, err := NewTable(doc, hash)
	if err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Document: doc,
		Table:    table,
		Hash:     hash,
		Bytes:    data,
	}, nil
}

func validateSchema(doc any) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader([]byte(documentSchema))); err != nil {
		return fmt.Errorf("policy schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("policy schema compile failed: %w", err)
	}

	// The validator expects decoded JSON values, so YAML scalars are
	// normalized through a JSON round trip.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("policy is not representable as json: %w", err)
	}
	var normalized any
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	if err := dec.Decode(&normalized); err != nil {
		return err
	}
	return compiled.Validate(normalized)
}

func checkSchemaVersion(raw string) error {
	version, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", raw, err)
	}
	constraint, err := semver.NewConstraint(SupportedSchemaVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("schema_version %s not supported (want %s)", version, SupportedSchemaVersions)
	}
	return nil
}
