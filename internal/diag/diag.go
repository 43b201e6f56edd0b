// Package diag defines the diagnostics shared by capture and recreate runs.
//
// Every failure the core can produce has a Kind. The Kind alone decides whether
// the failure is fatal: fatal kinds unwind to the command and end the run,
// non-fatal kinds are accumulated as warnings while independent work continues.
package diag

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a diagnostic.
type Kind string

const (
	InterpreterUnusable     Kind = "interpreter_unusable"
	ManifestTooLarge        Kind = "manifest_too_large"
	SchemaInvalid           Kind = "schema_invalid"
	TargetNotEmpty          Kind = "target_not_empty"
	InterpreterUnavailable  Kind = "interpreter_unavailable"
	ApplicationFetchFailed  Kind = "application_fetch_failed"
	ToolkitInstallFailed    Kind = "toolkit_install_failed"
	PackageInstallFailed    Kind = "package_install_failed"
	OptionalInstallFailed   Kind = "optional_install_failed"
	PluginInstallFailed     Kind = "plugin_install_failed"
	PostInstallScriptFailed Kind = "post_install_script_failed"
	ValidatorUnreachable    Kind = "validator_unreachable"
	NamingCollision         Kind = "naming_collision"
	LocalPathHazard         Kind = "local_path_hazard"
	UnresolvedNode          Kind = "unresolved_node"
	PackageMismatch         Kind = "package_mismatch"
)

// Fatal reports whether a diagnostic of this kind ends the run.
func (k Kind) Fatal() bool {
	switch k {
	case InterpreterUnusable, ManifestTooLarge, SchemaInvalid, TargetNotEmpty,
		InterpreterUnavailable, ApplicationFetchFailed, ToolkitInstallFailed,
		PackageInstallFailed, NamingCollision:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Subject names the package, node or path the
// failure is about, when there is one.
type Error struct {
	Kind    Kind
	Subject string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Subject != "" {
		fmt.Fprintf(&b, " [%s]", e.Subject)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error ends the run.
func (e *Error) Fatal() bool { return e.Kind.Fatal() }

// New builds a classified error.
func New(kind Kind, subject, msg string) *Error {
	return &Error{Kind: kind, Subject: subject, Msg: msg}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, subject string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, subject, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Subject: subject, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsFatal reports whether err should end the run. Unclassified errors are
// treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Fatal()
	}
	return true
}

// Diagnostic is the serializable form of an Error, used in the detection log
// and in recreate results.
type Diagnostic struct {
	Kind    Kind   `json:"kind"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Subject != "" {
		return fmt.Sprintf("%s [%s]: %s", d.Kind, d.Subject, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// FromError converts err into a Diagnostic. Unclassified errors get an empty kind.
func FromError(err error) Diagnostic {
	var de *Error
	if errors.As(err, &de) {
		msg := de.Msg
		if de.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += de.Err.Error()
		}
		return Diagnostic{Kind: de.Kind, Subject: de.Subject, Message: msg}
	}
	return Diagnostic{Message: err.Error()}
}

// List accumulates diagnostics split by fatality. It is not safe for
// concurrent use; callers running workers guard it themselves.
type List struct {
	Warnings []Diagnostic
	Errors   []Diagnostic
}

// Add records err under Warnings or Errors according to its kind.
func (l *List) Add(err error) {
	if err == nil {
		return
	}
	d := FromError(err)
	if IsFatal(err) {
		l.Errors = append(l.Errors, d)
		return
	}
	l.Warnings = append(l.Warnings, d)
}

// Warn records a non-fatal diagnostic directly.
func (l *List) Warn(kind Kind, subject, format string, args ...interface{}) {
	l.Warnings = append(l.Warnings, Diagnostic{Kind: kind, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

// HasErrors reports whether any fatal diagnostic was recorded.
func (l *List) HasErrors() bool { return len(l.Errors) > 0 }

// Sort orders both slices by kind, subject, message so that output does not
// depend on worker scheduling.
func (l *List) Sort() {
	SortDiagnostics(l.Warnings)
	SortDiagnostics(l.Errors)
}

// SortDiagnostics orders ds in place by kind, subject, then message.
func SortDiagnostics(ds []Diagnostic) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Kind != ds[j].Kind {
			return ds[i].Kind < ds[j].Kind
		}
		if ds[i].Subject != ds[j].Subject {
			return ds[i].Subject < ds[j].Subject
		}
		return ds[i].Message < ds[j].Message
	})
}
