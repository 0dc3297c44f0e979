package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError describes one offending configuration key
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is the structured list of configuration problems
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report keys by their config-file names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks value ranges of every section
func (c *Config) Validate() error {
	var errs ValidationErrors
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, FieldError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: describe(fe),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateDownload checks everything a download run needs: value ranges,
// required input files, and that output locations can be created.
func (c *Config) ValidateDownload() error {
	var errs ValidationErrors
	if err := c.Validate(); err != nil {
		var verrs ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		errs = append(errs, verrs...)
	}

	errs = appendIfErr(errs, "paths.csv_path", requireFile(c.Paths.CSVPath))
	errs = appendIfErr(errs, "paths.api_key_path", requireFile(c.Paths.APIKeyPath))
	errs = appendIfErr(errs, "paths.save_dir", ensureDir(c.Paths.SaveDir))
	errs = appendIfErr(errs, "paths.log_path", ensureParent(c.Paths.LogPath))
	errs = appendIfErr(errs, "paths.fail_log_path", ensureParent(c.Paths.FailLogPath))
	if c.Paths.DetailedLogPath != "" {
		errs = appendIfErr(errs, "paths.detailed_log_path", ensureParent(c.Paths.DetailedLogPath))
	}
	if c.Cache.Dir != "" {
		errs = appendIfErr(errs, "cache.dir", ensureDir(c.Cache.Dir))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateRepair checks everything a repair run needs
func (c *Config) ValidateRepair() error {
	var errs ValidationErrors
	if err := validate.Struct(c.Repair); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, FieldError{
				Field:   "repair." + fe.Field(),
				Message: describe(fe),
			})
		}
	}

	if info, err := os.Stat(c.Repair.InputDir); err != nil {
		errs = append(errs, FieldError{Field: "repair.input_dir", Message: err.Error()})
	} else if !info.IsDir() {
		errs = append(errs, FieldError{Field: "repair.input_dir", Message: "not a directory"})
	}
	errs = appendIfErr(errs, "repair.output_dir", ensureDir(c.Repair.OutputDir))
	errs = appendIfErr(errs, "repair.problematic_dir", ensureDir(c.Repair.ProblematicDir))
	errs = appendIfErr(errs, "repair.progress_path", ensureParent(c.Repair.ProgressPath))

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s (got %v)", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be at least %s (got %v)", fe.Param(), fe.Value())
	case "lt":
		return fmt.Sprintf("must be less than %s (got %v)", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be at most %s (got %v)", fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s] (got %v)", fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("must be a URL (got %v)", fe.Value())
	default:
		return fmt.Sprintf("failed %q check (got %v)", fe.Tag(), fe.Value())
	}
}

func appendIfErr(errs ValidationErrors, field string, err error) ValidationErrors {
	if err == nil {
		return errs
	}
	return append(errs, FieldError{Field: field, Message: err.Error()})
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file %s does not exist", path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	return nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return ensureDir(dir)
}
