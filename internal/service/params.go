package service

import (
	"strings"

	"github.com/exprutils/server/internal/errs"
	"github.com/exprutils/server/internal/jobstore"
)

const (
	workspaceNameExtra = "_-.:"
	objectNameExtra    = "_-.|"
)

// ValidateMatrixParams checks that the required matrix job parameters are
// present and well formed. Missing parameters are reported in the order
// workspace_name, output_obj_name, expressionset_ref.
func ValidateMatrixParams(p jobstore.MatrixJobParams) error {
	required := []struct {
		name  string
		value string
	}{
		{"workspace_name", p.WorkspaceName},
		{"output_obj_name", p.OutputObjName},
		{"expressionset_ref", p.ExpressionSetRef},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &errs.ConfigurationError{Param: r.name}
		}
	}

	if c, ok := illegalChar(p.WorkspaceName, workspaceNameExtra); ok {
		return errs.Validationf("Illegal character in workspace name %s: %c", p.WorkspaceName, c)
	}
	if c, ok := illegalChar(p.OutputObjName, objectNameExtra); ok {
		return errs.Validationf("Illegal character in object name %s: %c", p.OutputObjName, c)
	}
	if p.IDColumn < 0 {
		return errs.Validationf("id_col must not be negative: %d", p.IDColumn)
	}
	return nil
}

// illegalChar returns the first rune of name that is neither an ASCII
// letter or digit nor one of extra.
func illegalChar(name, extra string) (rune, bool) {
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune(extra, c):
		default:
			return c, true
		}
	}
	return 0, false
}
