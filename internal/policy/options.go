package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Options are the per-run settings carried in the document's "options".
type Options struct {
	MockInterfaces string `json:"mock_interfaces,omitempty" validate:"omitempty,dir"`
	Resolver       string `json:"resolver,omitempty" validate:"omitempty,oneof=system dns static"`
	Nameserver     string `json:"nameserver,omitempty" validate:"omitempty,hostname_port"`
	DNSTimeout     string `json:"dns_timeout,omitempty" validate:"omitempty,duration"`
	IPTables       string `json:"iptables,omitempty" validate:"omitempty,command"`
}

// ResolverTimeout returns the configured DNS timeout, defaulting to 2s.
func (o Options) ResolverTimeout() time.Duration {
	if o.DNSTimeout == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(o.DNSTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Binary returns the filter tool name used in rendered commands.
func (o Options) Binary() string {
	if o.IPTables == "" {
		return "iptables"
	}
	return o.IPTables
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("duration", validateDuration); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("command", validateCommand); err != nil {
		panic(err)
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

var commandNameRegex = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

func validateCommand(fl validator.FieldLevel) bool {
	return commandNameRegex.MatchString(fl.Field().String())
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "dir":
		return "must be an existing directory"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "hostname_port":
		return "must be in format 'host:port'"
	case "duration":
		return "must be a positive duration such as 2s"
	case "command":
		return "must be a bare command name"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// decodeOptions converts the raw "options" mapping. Unknown keys are
// reported as warnings by the caller rather than rejected.
func decodeOptions(raw map[string]any) (Options, []string, error) {
	var opts Options
	if len(raw) == 0 {
		return opts, nil, nil
	}

	known := make(map[string]bool)
	t := reflect.TypeOf(opts)
	for i := 0; i < t.NumField(); i++ {
		known[strings.SplitN(t.Field(i).Tag.Get("json"), ",", 2)[0]] = true
	}
	var unknown []string
	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		key := strings.ReplaceAll(k, "-", "_")
		if !known[key] {
			unknown = append(unknown, k)
			continue
		}
		if _, isString := v.(string); !isString {
			v = fmt.Sprint(v)
		}
		normalized[key] = v
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return opts, nil, fmt.Errorf("encoding options: %w", err)
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, nil, fmt.Errorf("decoding options: %w", err)
	}
	return opts, unknown, nil
}

// Validate checks the options against their constraints.
func (o Options) Validate() ValidationErrors {
	var errs ValidationErrors
	if err := validate.Struct(o); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return ValidationErrors{{Field: "options", Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:   "options." + fe.Field(),
				Message: getValidationMessage(fe),
			})
		}
	}
	if o.Resolver == "dns" && o.Nameserver == "" {
		errs = append(errs, ValidationError{
			Field:    "options.nameserver",
			Message:  "not set, the dns resolver falls back to /etc/resolv.conf",
			Severity: SeverityWarning,
		})
	}
	return errs
}
