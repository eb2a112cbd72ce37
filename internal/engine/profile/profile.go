// Package profile describes the two label kinds the engine fills in and the
// knobs each one runs with.
package profile

import (
	"fmt"

	"github.com/crimson-sun/triage/internal/engine/classifier"
	"github.com/crimson-sun/triage/internal/engine/textrep"
)

// Names of the built-in profiles.
const (
	NameCategory    = "category"
	NameSubcategory = "subcategory"
)

// Batch size bounds.
const (
	MinBatchSize = 1
	MaxBatchSize = 10000
)

// Profile configures one classification run: which field is labeled, which
// fields feed the text, and the voting policy.
type Profile struct {
	Name                string   `yaml:"name"`
	LabelField          string   `yaml:"label_field"`
	Predicate           string   `yaml:"predicate"`
	Fields              []string `yaml:"fields"`
	Voting              string   `yaml:"voting"`
	K                   int      `yaml:"k"`
	Threshold           float64  `yaml:"threshold"`
	BatchSize           int      `yaml:"batch_size"`
	ApplyBelowThreshold bool     `yaml:"apply_below_threshold"`
	EntriesPath         string   `yaml:"entries"`
	EmbeddingsPath      string   `yaml:"embeddings"`
	MetadataPath        string   `yaml:"metadata"`
}

// Category labels DS_ASSUNTO by weighted-sum voting over 5 neighbors.
func Category() Profile {
	return Profile{
		Name:           NameCategory,
		LabelField:     textrep.FieldCategory,
		Predicate:      textrep.KindCategory,
		Fields:         textrep.CategoryFields(),
		Voting:         string(classifier.VotingWeighted),
		K:              5,
		Threshold:      0.65,
		BatchSize:      500,
		EntriesPath:    "data/ml/assunto_reference.csv",
		EmbeddingsPath: "data/ml/assunto_embeddings.npy",
		MetadataPath:   "data/ml/assunto_metadata.yaml",
	}
}

// Subcategory labels SUB_ASSUNTO from the nearest neighbor. Below the
// threshold the field is left untouched unless ApplyBelowThreshold is set.
func Subcategory() Profile {
	return Profile{
		Name:           NameSubcategory,
		LabelField:     textrep.FieldSubcategory,
		Predicate:      textrep.KindSubcategory,
		Fields:         textrep.SubcategoryFields(),
		Voting:         string(classifier.VotingNearest),
		K:              3,
		Threshold:      0.50,
		BatchSize:      1000,
		EntriesPath:    "data/ml/subassunto_reference.csv",
		EmbeddingsPath: "data/ml/subassunto_embeddings.npy",
		MetadataPath:   "data/ml/subassunto_metadata.yaml",
	}
}

// Defaults returns the built-in profiles in run order.
func Defaults() []Profile {
	return []Profile{Category(), Subcategory()}
}

// ByName returns a built-in profile.
func ByName(name string) (Profile, error) {
	switch name {
	case NameCategory:
		return Category(), nil
	case NameSubcategory:
		return Subcategory(), nil
	default:
		return Profile{}, fmt.Errorf("profile: unknown profile %q", name)
	}
}

// Policy returns the classifier policy.
func (p Profile) Policy() (classifier.Policy, error) {
	v, err := classifier.ParseVoting(p.Voting)
	if err != nil {
		return classifier.Policy{}, fmt.Errorf("profile %s: %w", p.Name, err)
	}
	pol := classifier.Policy{
		Voting:              v,
		K:                   p.K,
		Threshold:           p.Threshold,
		ApplyBelowThreshold: p.ApplyBelowThreshold,
	}
	if err := pol.Validate(); err != nil {
		return classifier.Policy{}, fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return pol, nil
}

// NeedsLabel returns the predicate selecting rows to classify.
func (p Profile) NeedsLabel() (textrep.Predicate, error) {
	pred, err := textrep.PredicateFor(p.Predicate)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return pred, nil
}

// Builder returns the text builder over the profile's fields.
func (p Profile) Builder() *textrep.Builder {
	return textrep.NewBuilder(p.Fields)
}

// ClampedBatchSize returns BatchSize limited to [MinBatchSize, MaxBatchSize].
func (p Profile) ClampedBatchSize() int {
	return max(MinBatchSize, min(p.BatchSize, MaxBatchSize))
}

// Validate reports the first invalid setting.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile: name is required")
	}
	if p.LabelField == "" {
		return fmt.Errorf("profile %s: label_field is required", p.Name)
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("profile %s: at least one text field is required", p.Name)
	}
	if p.BatchSize < MinBatchSize {
		return fmt.Errorf("profile %s: batch_size must be >= %d, got %d", p.Name, MinBatchSize, p.BatchSize)
	}
	if p.EntriesPath == "" || p.EmbeddingsPath == "" {
		return fmt.Errorf("profile %s: entries and embeddings paths are required", p.Name)
	}
	if _, err := p.NeedsLabel(); err != nil {
		return err
	}
	_, err := p.Policy()
	return err
}
