package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Drives) == 0 {
		return fmt.Errorf("drives: at least one drive must be configured")
	}

	// drive ids, names, and cross-host identities must each be unique
	ids := make(map[string]bool)
	names := make(map[string]bool)
	targets := make(map[string]bool)
	for i, d := range cfg.Drives {
		if ids[d.ID] {
			return fmt.Errorf("drives[%d]: duplicate drive id %q", i, d.ID)
		}
		ids[d.ID] = true

		if names[d.Name] {
			return fmt.Errorf("drives[%d]: duplicate drive name %q", i, d.Name)
		}
		names[d.Name] = true

		target := d.Alias + "/" + d.Type
		if targets[target] {
			return fmt.Errorf("drives[%d]: duplicate target drive %s", i, target)
		}
		targets[target] = true

		if d.LongTermRoot == d.TempRoot {
			return fmt.Errorf("drives[%d]: long_term_root and temp_root must differ", i)
		}
	}

	// a persistent index needs a path
	if !cfg.Index.InMemory && cfg.Index.DBPath == "" {
		return fmt.Errorf("index: db_path is required unless in_memory is set")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
