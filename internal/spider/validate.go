package spider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/feedspider/internal/job"
)

// Validator checks a successful response before it counts as a success.
type Validator interface {
	Validate(res *job.Response) error
}

// ValidatorFunc is a predicate over the extracted data.
type ValidatorFunc func(data any) bool

// Validate implements Validator.
func (f ValidatorFunc) Validate(res *job.Response) error {
	if !f(res.Data) {
		return errors.New("result rejected by predicate")
	}
	return nil
}

// RequiredKeys returns a Validator requiring the extracted data to be an
// object carrying every key.
func RequiredKeys(keys ...string) Validator {
	return requiredKeys(keys)
}

type requiredKeys []string

func (r requiredKeys) Validate(res *job.Response) error {
	m, ok := res.Data.(map[string]any)
	if !ok {
		return fmt.Errorf("result is %T, want an object", res.Data)
	}
	var missing []string
	for _, k := range r {
		if _, ok := m[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("result missing keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

func runValidators(validators []Validator, res *job.Response) error {
	for _, v := range validators {
		if err := v.Validate(res); err != nil {
			return &job.ValidationError{Err: err}
		}
	}
	return nil
}
