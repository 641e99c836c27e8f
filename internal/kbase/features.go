package kbase

import (
	"context"

	"github.com/exprutils/server/internal/features"
)

// GenomeSearch is a client for GenomeSearchUtil.
type GenomeSearch struct {
	rpc *Client
}

// NewGenomeSearch creates a GenomeSearchUtil client at the SDK callback URL.
func NewGenomeSearch(callbackURL string, opts ...ClientOption) *GenomeSearch {
	return &GenomeSearch{rpc: NewClient(callbackURL, opts...)}
}

type searchResult struct {
	NumFound int                      `json:"num_found"`
	Features []features.GenomeFeature `json:"features"`
}

// CountFeatures returns the number of features of the genome at ref.
func (g *GenomeSearch) CountFeatures(ctx context.Context, ref string) (int, error) {
	var res searchResult
	params := map[string]interface{}{"ref": ref}
	if err := g.rpc.Call(ctx, "GenomeSearchUtil.search", []interface{}{params}, &res); err != nil {
		return 0, err
	}
	return res.NumFound, nil
}

// SearchFeatures returns up to limit features of the genome at ref.
func (g *GenomeSearch) SearchFeatures(ctx context.Context, ref string, limit int, sortBy []features.SortField) ([]features.GenomeFeature, error) {
	sort := make([][]interface{}, 0, len(sortBy))
	for _, s := range sortBy {
		sort = append(sort, []interface{}{s.Field, s.Ascending})
	}
	params := map[string]interface{}{
		"ref":     ref,
		"limit":   limit,
		"sort_by": sort,
	}
	var res searchResult
	if err := g.rpc.Call(ctx, "GenomeSearchUtil.search", []interface{}{params}, &res); err != nil {
		return nil, err
	}
	return res.Features, nil
}

// MetagenomeUtils is a client for the MetagenomeUtils service.
type MetagenomeUtils struct {
	rpc *Client
}

// NewMetagenomeUtils creates a MetagenomeUtils client at the SDK callback URL.
func NewMetagenomeUtils(callbackURL string, opts ...ClientOption) *MetagenomeUtils {
	return &MetagenomeUtils{rpc: NewClient(callbackURL, opts...)}
}

// ListFeatureIDs returns the feature ids of the annotated metagenome
// assembly at ref, without the rest of the feature payload.
func (m *MetagenomeUtils) ListFeatureIDs(ctx context.Context, ref string) ([]features.AssemblyFeature, error) {
	var res struct {
		Features []features.AssemblyFeature `json:"features"`
	}
	params := map[string]interface{}{"ref": ref, "only_ids": 1}
	if err := m.rpc.Call(ctx, "MetagenomeUtils.get_annotated_metagenome_assembly_features", []interface{}{params}, &res); err != nil {
		return nil, err
	}
	return res.Features, nil
}
