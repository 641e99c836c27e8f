// Package service provides business logic for the expression utilities
// server.
package service

import (
	"context"
	"log"
	"strings"

	"github.com/exprutils/server/internal/errs"
	"github.com/exprutils/server/internal/expression"
	"github.com/exprutils/server/internal/features"
)

// FeatureResolver resolves the feature identifiers of a reference object.
type FeatureResolver interface {
	Resolve(ctx context.Context, ref string) (features.Set, error)
}

// LevelsService computes expression levels for a single tracking file.
type LevelsService struct {
	resolver FeatureResolver
	calc     *expression.Calculator
	logger   *log.Logger
}

// NewLevelsService creates a new levels service.
func NewLevelsService(resolver FeatureResolver, logger *log.Logger) *LevelsService {
	if logger == nil {
		logger = log.Default()
	}
	return &LevelsService{
		resolver: resolver,
		calc:     expression.NewCalculator(logger),
		logger:   logger,
	}
}

// ExpressionLevels returns log2 FPKM and TPM levels of the tracking file at
// path, keyed by the feature ids of the genome or assembly ref. The FPKM
// header is checked before the reference is resolved.
func (s *LevelsService) ExpressionLevels(ctx context.Context, path, ref string, idCol int) (*expression.Levels, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &errs.ConfigurationError{Param: "file_path"}
	}
	if strings.TrimSpace(ref) == "" {
		return nil, &errs.ConfigurationError{Param: "genome_ref"}
	}
	if idCol < 0 {
		return nil, errs.Validationf("id_col must not be negative: %d", idCol)
	}

	if _, err := expression.FPKMColumn(path); err != nil {
		return nil, err
	}

	ids, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("[LevelsService] resolved %d features from %s", ids.Len(), ref)

	return s.calc.Compute(path, ids, idCol)
}
