package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var (
	// ErrMalformedBody means the message body is not a JSON object.
	ErrMalformedBody = errors.New("malformed job message")
	// ErrMissingJobID means the body parsed but carries no usable job_id,
	// so nothing can be reported for it.
	ErrMissingJobID = errors.New("job_id is missing")
	ErrInvalidJob   = errors.New("invalid job")
)

// JobDescriptor is one unit of work as published on the jobs queue.
type JobDescriptor struct {
	JobID      string `json:"job_id" validate:"required,excludesall=/\\,ne=.,ne=.."`
	SourceFile string `json:"source_file" validate:"required"`
	SourceLang string `json:"source_lang" validate:"required,bcp47_language_tag"`
	TargetLang string `json:"target_lang" validate:"required,bcp47_language_tag"`
	Duration   int64  `json:"duration,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// JobUpdate is the body of a status callback.
type JobUpdate struct {
	Status    JobStatus `json:"status"`
	ResultURL string    `json:"result_url,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ParseJobDescriptor decodes a queue message. Only ErrMalformedBody and
// ErrMissingJobID are returned; a numeric job_id is accepted, other fields
// of the wrong JSON type are left empty so that Validate rejects them.
func ParseJobDescriptor(body []byte) (JobDescriptor, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return JobDescriptor{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if raw == nil {
		return JobDescriptor{}, ErrMalformedBody
	}

	job := JobDescriptor{
		JobID:      idField(raw, "job_id"),
		SourceFile: stringField(raw, "source_file"),
		SourceLang: stringField(raw, "source_lang"),
		TargetLang: stringField(raw, "target_lang"),
		Duration:   intField(raw, "duration"),
		UserID:     stringField(raw, "user_id"),
	}
	if strings.TrimSpace(job.JobID) == "" {
		return job, ErrMissingJobID
	}
	return job, nil
}

func stringField(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// idField accepts a string or a JSON number; numeric ids are kept in their
// integer form when they have one.
func idField(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return ""
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	return n.String()
}

func intField(raw map[string]json.RawMessage, key string) int64 {
	v, ok := raw[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0
	}
	return int64(f)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every field that prevents the job from running.
func (j JobDescriptor) Validate() error {
	err := validate.Struct(j)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidJob, strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "bcp47_language_tag":
		return fmt.Sprintf("%s %q is not a valid language tag", fe.Field(), fe.Value())
	case "excludesall", "ne":
		return fmt.Sprintf("%s %q cannot be used as a file name", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
