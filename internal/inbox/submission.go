// Package inbox discovers and consumes submission files deposited into the
// remote inbox by independent installations. Each file is downloaded,
// validated, parsed, and relocated to the processed sub-path exactly once;
// what happens to the parsed records afterwards (dedup, id assignment,
// insertion) is the caller's business.
package inbox

import (
	_ "embed"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Submission file naming convention: application_<anything>.json. Files not
// matching it (temp files, other admins' notes) are ignored by the queue.
const (
	fileNamePrefix = "application_"
	fileNameSuffix = ".json"
)

//go:embed application.schema.json
var schemaText string

// compiledSchema validates submission payloads before they are yielded.
var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
	if err != nil {
		panic(fmt.Sprintf("inbox: embedded schema invalid JSON: %v", err))
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("application.schema.json", doc); err != nil {
		panic(fmt.Sprintf("inbox: adding schema resource: %v", err))
	}

	sch, err := c.Compile("application.schema.json")
	if err != nil {
		panic(fmt.Sprintf("inbox: compiling schema: %v", err))
	}

	return sch
}

// ParseError marks a malformed submission payload. The offending file stays
// in the inbox untouched and is retried on the next poll; a malformed
// submission must never silently disappear.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("inbox: malformed submission %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Application is one parsed admission application: a small fixed schema plus
// an open Extra map for forward-compatible custom fields, instead of an
// untyped blob.
type Application struct {
	LastName    string            `json:"last_name"`
	FirstName   string            `json:"first_name"`
	BirthDate   string            `json:"birth_date,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Email       string            `json:"email,omitempty"`
	GradeLevel  string            `json:"grade_level,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Submission pairs a parsed record with its source path, the identity the
// history ledger is keyed by.
type Submission struct {
	Path        string
	Application Application
}

// knownFields are the schema fields lifted into Application directly;
// everything else lands in Extra.
var knownFields = map[string]bool{
	"last_name":    true,
	"first_name":   true,
	"birth_date":   true,
	"phone":        true,
	"email":        true,
	"grade_level":  true,
	"submitted_at": true,
}

// parseApplication validates raw against the submission schema and maps it
// into an Application.
func parseApplication(sourcePath string, raw []byte) (Application, error) {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return Application{}, &ParseError{Path: sourcePath, Err: err}
	}

	if err := compiledSchema.Validate(inst); err != nil {
		return Application{}, &ParseError{Path: sourcePath, Err: err}
	}

	obj, ok := inst.(map[string]any)
	if !ok {
		return Application{}, &ParseError{Path: sourcePath, Err: fmt.Errorf("payload is not an object")}
	}

	app := Application{
		LastName:   stringField(obj, "last_name"),
		FirstName:  stringField(obj, "first_name"),
		BirthDate:  stringField(obj, "birth_date"),
		Phone:      stringField(obj, "phone"),
		Email:      stringField(obj, "email"),
		GradeLevel: stringField(obj, "grade_level"),
	}

	if raw := stringField(obj, "submitted_at"); raw != "" {
		t, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			return Application{}, &ParseError{Path: sourcePath, Err: fmt.Errorf("invalid submitted_at: %w", parseErr)}
		}

		app.SubmittedAt = t
	}

	for k, v := range obj {
		if knownFields[k] {
			continue
		}

		if app.Extra == nil {
			app.Extra = make(map[string]string)
		}

		app.Extra[k] = fmt.Sprint(v)
	}

	return app, nil
}

func stringField(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}

	return ""
}

// NaturalKey derives the caller-facing dedup key. Submissions carry no
// stable identifier, so identity is name plus contact number, normalized so
// trivially different spellings of the same applicant collide.
func (a Application) NaturalKey() string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}

		return -1
	}, a.Phone)

	return normalizeName(a.LastName) + "|" + normalizeName(a.FirstName) + "|" + digits
}

// normalizeName applies unicode NFKC normalization and case folding, and
// collapses runs of whitespace.
func normalizeName(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)

	return strings.Join(strings.Fields(s), " ")
}

// MatchesNaming reports whether a directory entry name follows the
// submission naming convention.
func MatchesNaming(name string) bool {
	return strings.HasPrefix(name, fileNamePrefix) && strings.HasSuffix(name, fileNameSuffix)
}

// processedPath maps an inbox file path to its processed-sub-path target.
func processedPath(sourcePath string) string {
	return path.Join(path.Dir(sourcePath), "processed", path.Base(sourcePath))
}
