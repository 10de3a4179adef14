package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// RegisterCustomValidators registers the gateway-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"duration":    validateDuration,
		"money":       validateMoney,
		"sensitivity": validateSensitivity,
		"clock":       validateClock,
		"weekday":     validateWeekday,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateDuration accepts anything time.ParseDuration accepts.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// validateMoney accepts a non-negative decimal string like "25.00".
func validateMoney(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && !d.IsNegative()
}

// validateSensitivity accepts the four classification levels.
func validateSensitivity(fl validator.FieldLevel) bool {
	return authz.Sensitivity(fl.Field().String()).Valid()
}

// validateClock accepts "HH:MM" wall-clock times.
func validateClock(fl validator.FieldLevel) bool {
	_, err := time.Parse("15:04", fl.Field().String())
	return err == nil
}

// validateWeekday accepts lowercase English weekday names.
func validateWeekday(fl validator.FieldLevel) bool {
	_, ok := weekdays[strings.ToLower(fl.Field().String())]
	return ok
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateKeyReferences(); err != nil {
		return err
	}
	if err := c.validatePolicyEngine(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateRateLimit(); err != nil {
		return err
	}
	return c.validateSinks()
}

// validateKeyReferences ensures every API key references a configured user.
func (c *Config) validateKeyReferences() error {
	known := make(map[string]struct{}, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		known[u.ID] = struct{}{}
	}
	for i, key := range c.Auth.APIKeys {
		if _, ok := known[key.UserID]; !ok {
			return fmt.Errorf("auth.api_keys[%d]: references unknown user_id %q", i, key.UserID)
		}
	}
	return nil
}

// validatePolicyEngine ensures the selected engine has its required
// settings, and that a rollout split has both engines available.
func (c *Config) validatePolicyEngine() error {
	switch c.Policy.Engine {
	case "cel":
		if c.Policy.Dir == "" {
			return errors.New("policy: engine cel requires dir")
		}
	case "remote":
		if c.Policy.RemoteURL == "" {
			return errors.New("policy: engine remote requires remote_url")
		}
	}
	if c.Policy.RolloutPercent > 0 && (c.Policy.Dir == "" || c.Policy.RemoteURL == "") {
		return errors.New("policy: rollout_percent requires both dir and remote_url")
	}
	return nil
}

// validateStorage ensures database drivers have a DSN.
func (c *Config) validateStorage() error {
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage: driver %s requires dsn", c.Storage.Driver)
	}
	return nil
}

// validateRateLimit ensures the redis backend has an address.
func (c *Config) validateRateLimit() error {
	if c.RateLimit.Enabled && c.RateLimit.Backend == "redis" && c.RateLimit.RedisAddr == "" {
		return errors.New("rate_limit: backend redis requires redis_addr")
	}
	return nil
}

// validateSinks ensures each sink type has its required settings.
func (c *Config) validateSinks() error {
	for i, s := range c.Audit.Sinks {
		switch s.Type {
		case "file":
			if s.Dir == "" {
				return fmt.Errorf("audit.sinks[%d]: file sink requires dir", i)
			}
		case "datadog":
			if s.URL == "" || s.APIKey == "" {
				return fmt.Errorf("audit.sinks[%d]: datadog sink requires url and api_key", i)
			}
		case "hec":
			if s.URL == "" || s.Token == "" {
				return fmt.Errorf("audit.sinks[%d]: hec sink requires url and token", i)
			}
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a message for a single field error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "timezone":
		return fmt.Sprintf("%s must be a valid IANA timezone", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration like \"30s\" or \"5m\"", field)
	case "money":
		return fmt.Sprintf("%s must be a non-negative decimal like \"25.00\"", field)
	case "sensitivity":
		return fmt.Sprintf("%s must be one of: low, medium, high, critical", field)
	case "clock":
		return fmt.Sprintf("%s must be a wall-clock time like \"09:30\"", field)
	case "weekday":
		return fmt.Sprintf("%s must be a weekday name like \"monday\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
