// Package features resolves the set of feature identifiers defined by a
// genome or an annotated metagenome assembly.
package features

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/exprutils/server/internal/errs"
)

// Workspace type names of the supported references.
const (
	GenomeType   = "KBaseGenomes.Genome"
	AssemblyType = "KBaseMetagenomes.AnnotatedMetagenomeAssembly"
)

// RefType is the kind of object a reference points to.
type RefType int

const (
	RefTypeUnknown RefType = iota
	RefTypeGenome
	RefTypeAssembly
)

// ParseRefType maps a workspace type string (which carries a version
// suffix, e.g. "KBaseGenomes.Genome-17.0") to a RefType.
func ParseRefType(objType string) RefType {
	switch {
	case strings.Contains(objType, GenomeType):
		return RefTypeGenome
	case strings.Contains(objType, AssemblyType):
		return RefTypeAssembly
	default:
		return RefTypeUnknown
	}
}

func (t RefType) String() string {
	switch t {
	case RefTypeGenome:
		return GenomeType
	case RefTypeAssembly:
		return AssemblyType
	default:
		return "unknown"
	}
}

// SortField orders genome feature search results.
type SortField struct {
	Field     string
	Ascending bool
}

// GenomeFeature is one genome feature search hit.
type GenomeFeature struct {
	FeatureID string `json:"feature_id"`
}

// AssemblyFeature is one annotated metagenome assembly feature.
type AssemblyFeature struct {
	ID string `json:"id"`
}

// ObjectTyper returns the stored type of an object without its data.
type ObjectTyper interface {
	ObjectType(ctx context.Context, ref string) (string, error)
}

// GenomeSearcher enumerates the features of a genome.
type GenomeSearcher interface {
	CountFeatures(ctx context.Context, ref string) (int, error)
	SearchFeatures(ctx context.Context, ref string, limit int, sortBy []SortField) ([]GenomeFeature, error)
}

// AssemblyFeatureLister enumerates the feature ids of an annotated
// metagenome assembly.
type AssemblyFeatureLister interface {
	ListFeatureIDs(ctx context.Context, ref string) ([]AssemblyFeature, error)
}

// Resolver builds feature id sets from references.
type Resolver struct {
	objects  ObjectTyper
	genomes  GenomeSearcher
	assembly AssemblyFeatureLister
	logger   *log.Logger
}

// NewResolver creates a resolver. A nil logger logs to the standard logger.
func NewResolver(objects ObjectTyper, genomes GenomeSearcher, assembly AssemblyFeatureLister, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		objects:  objects,
		genomes:  genomes,
		assembly: assembly,
		logger:   logger,
	}
}

// Resolve returns every feature id defined by the genome or annotated
// metagenome assembly at ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Set, error) {
	r.logger.Printf("Matching to features from genome or AMA %s", ref)

	objType, err := r.objects.ObjectType(ctx, ref)
	if err != nil {
		return Set{}, fmt.Errorf("failed to get object type of %s: %w", ref, err)
	}

	var ids []string
	switch ParseRefType(objType) {
	case RefTypeGenome:
		ids, err = r.genomeFeatureIDs(ctx, ref)
	case RefTypeAssembly:
		ids, err = r.assemblyFeatureIDs(ctx, ref)
	default:
		return Set{}, &errs.TypeError{
			Field:    "genome_ref",
			Type:     objType,
			Accepted: []string{GenomeType, AssemblyType},
		}
	}
	if err != nil {
		return Set{}, err
	}
	return NewSet(ids), nil
}

func (r *Resolver) genomeFeatureIDs(ctx context.Context, ref string) ([]string, error) {
	total, err := r.genomes.CountFeatures(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to count genome features: %w", err)
	}
	hits, err := r.genomes.SearchFeatures(ctx, ref, total, []SortField{{Field: "feature_id", Ascending: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to search genome features: %w", err)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.FeatureID)
	}
	return ids, nil
}

func (r *Resolver) assemblyFeatureIDs(ctx context.Context, ref string) ([]string, error) {
	feats, err := r.assembly.ListFeatureIDs(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to list assembly features: %w", err)
	}
	ids := make([]string, 0, len(feats))
	for _, f := range feats {
		ids = append(ids, f.ID)
	}
	return ids, nil
}
