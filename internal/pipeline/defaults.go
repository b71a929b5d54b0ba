package pipeline

import (
	"context"

	"go.uber.org/zap"
)

// Default registry entries. Real step and check logic is domain-specific
// and plugged in by the embedding application; these built-ins only log
// that they ran so catalogs referencing the stock names stay runnable.

var defaultStepNames = []string{
	"text_cleaning",
	"tokenization",
	"truncation",
	"create_pairs",
	"remove_html",
	"unified_format",
	"task_specific_preprocessing",
	"dialogue_formatting",
	"poem_formatting",
}

var defaultCheckNames = []string{
	"check_qa_format",
	"check_classification_format",
	"check_multitask_format",
	"check_paraphrase_format",
	"check_text_format",
	"check_poem_format",
	"check_sentiment_format",
	"validate_russian_text",
}

// RegisterDefaults installs the stock no-op steps and checks.
func RegisterDefaults(steps *StepRegistry, checks *CheckRegistry, logger *zap.Logger) {
	for _, name := range defaultStepNames {
		name := name
		steps.Register(name, func(ctx context.Context, dir string) error {
			logger.Debug("applied step", zap.String("step", name), zap.String("dir", dir))
			return nil
		})
	}
	for _, name := range defaultCheckNames {
		name := name
		checks.Register(name, func(ctx context.Context, dir string) error {
			logger.Debug("ran check", zap.String("check", name), zap.String("dir", dir))
			return nil
		})
	}
}
