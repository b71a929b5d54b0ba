package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/cache"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// Validator runs a descriptor's ordered checks over the processed tier.
// Checks only read; validation never repairs or rolls back data.
type Validator struct {
	Cache    *cache.Manager
	Registry *CheckRegistry
	Logger   *zap.Logger
}

// ValidationOutcome reports how far the check sequence got.
type ValidationOutcome struct {
	PassedChecks []string
	FailedCheck  string
}

// Validate runs the checks in declared order, short-circuiting on the
// first failure. The failing check is reported via CheckFailedError.
func (v *Validator) Validate(ctx context.Context, name string, checks []string) (ValidationOutcome, error) {
	dir := v.Cache.Path(name, types.TierProcessed)

	var out ValidationOutcome
	for _, check := range checks {
		fn, err := v.Registry.Resolve(check)
		if err != nil {
			return out, err
		}

		v.Logger.Info("running validation check",
			zap.String("dataset", name),
			zap.String("check", check),
		)
		if err := fn(ctx, dir); err != nil {
			out.FailedCheck = check
			return out, &CheckFailedError{Check: check, Err: err}
		}
		out.PassedChecks = append(out.PassedChecks, check)
	}
	return out, nil
}
