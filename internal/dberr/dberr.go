// Package dberr defines the typed error model for embedded database
// failures: a fixed category taxonomy, user-displayable title/message/
// troubleshooting bundles per category, and a keyword classifier that maps
// arbitrary errors onto the taxonomy.
package dberr

import (
	"errors"
	"strings"
)

// Category identifies the class of a database failure.
type Category string

const (
	CategoryNetworkDownload Category = "network_download"
	CategoryPermissions     Category = "permissions"
	CategoryLocale          Category = "locale"
	CategoryDependencies    Category = "dependencies"
	CategorySecurity        Category = "security"
	CategoryDiskSpace       Category = "disk_space"
	CategoryPortConflict    Category = "port_conflict"
	CategoryProcessFailure  Category = "process_failure"
	CategoryPathCharacters  Category = "path_characters"
	CategoryUnknown         Category = "unknown"
)

// DatabaseError is the typed result of a failed database operation. It is
// immutable after construction; the originating error is reachable through
// Unwrap for errors.Is/As checks.
type DatabaseError struct {
	Category             Category `json:"category"`
	Title                string   `json:"title"`
	Message              string   `json:"message"`
	TechnicalDetails     string   `json:"technical_details,omitempty"`
	TroubleshootingSteps []string `json:"troubleshooting_steps"`
	Recoverable          bool     `json:"recoverable"`

	err error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.TechnicalDetails != "" {
		return e.Title + ": " + e.TechnicalDetails
	}
	return e.Title + ": " + e.Message
}

// Unwrap returns the originating error.
func (e *DatabaseError) Unwrap() error {
	return e.err
}

// Cause returns the originating error, or nil.
func (e *DatabaseError) Cause() error {
	return e.err
}

// bundle is the fixed user-facing payload attached to each category.
type bundle struct {
	title       string
	message     string
	steps       []string
	recoverable bool
}

var bundles = map[Category]bundle{
	CategoryNetworkDownload: {
		title:   "Database Download Failed",
		message: "The database server components could not be downloaded.",
		steps: []string{
			"Check that this computer is connected to the internet.",
			"If you use a proxy or VPN, try disabling it temporarily.",
			"Check that your firewall allows Omega Player to access the network.",
			"Restart Omega Player to retry the download.",
		},
		recoverable: true,
	},
	CategoryPermissions: {
		title:   "File Permission Error",
		message: "Omega Player does not have permission to access its data folder.",
		steps: []string{
			"Move Omega Player to a folder your user account can write to.",
			"Check the permissions of the application data folder.",
			"Avoid installing into system directories such as Program Files.",
			"If the problem persists, run Omega Player once with elevated privileges.",
		},
		recoverable: true,
	},
	CategoryLocale: {
		title:   "System Locale Incompatibility",
		message: "The database server could not initialize with the current system locale.",
		steps: []string{
			"Set your system locale to a UTF-8 variant.",
			"Install the language pack for your current locale.",
			"Restart the computer after changing locale settings.",
		},
		recoverable: false,
	},
	CategoryDependencies: {
		title:   "Missing System Components",
		message: "A system component required by the database server is missing.",
		steps: []string{
			"Install the latest Microsoft Visual C++ Redistributable (Windows).",
			"Install your distribution's OpenSSL and ICU packages (Linux).",
			"Apply pending operating system updates.",
			"Restart Omega Player after installing the components.",
		},
		recoverable: false,
	},
	CategorySecurity: {
		title:   "Security Software Interference",
		message: "Security software appears to be blocking the database server.",
		steps: []string{
			"Add the Omega Player folder to your antivirus exclusion list.",
			"Check your antivirus quarantine for removed database files.",
			"Temporarily disable real-time protection and retry.",
		},
		recoverable: true,
	},
	CategoryDiskSpace: {
		title:   "Insufficient Disk Space",
		message: "There is not enough free disk space to run the music database.",
		steps: []string{
			"Free at least 500 MB on the drive that holds Omega Player's data folder.",
			"Empty the recycle bin or trash.",
			"Restart Omega Player after freeing space.",
		},
		recoverable: true,
	},
	CategoryPortConflict: {
		title:   "Port Unavailable",
		message: "No network port could be reserved for the music database.",
		steps: []string{
			"Close other database servers or applications using local ports.",
			"Omega Player retries alternative ports automatically; restart to retry.",
		},
		recoverable: true,
	},
	CategoryProcessFailure: {
		title:   "Database Server Failed to Start",
		message: "The music database server could not be started.",
		steps: []string{
			"Restart Omega Player.",
			"Restart the computer to release stale server processes.",
			"Check the log folder for the detailed server output.",
		},
		recoverable: true,
	},
	CategoryPathCharacters: {
		title:   "Unsupported Characters in Path",
		message: "Omega Player's data folder path contains characters the database server cannot handle.",
		steps: []string{
			"Move Omega Player to a folder whose full path contains only plain (ASCII) characters.",
			"Avoid accented letters and symbols in folder names on the path.",
		},
		recoverable: false,
	},
	CategoryUnknown: {
		title:   "Unexpected Database Error",
		message: "An unexpected problem occurred while starting the music database.",
		steps: []string{
			"Restart Omega Player.",
			"Restart the computer.",
			"If the problem persists, send the log folder contents to support.",
		},
		recoverable: true,
	},
}

// New constructs a DatabaseError for a known category. The details string
// carries the technical context shown in diagnostics; err is the originating
// error, which may be nil for purely environmental failures such as a failed
// disk-space check.
func New(category Category, details string, err error) *DatabaseError {
	b, ok := bundles[category]
	if !ok {
		category = CategoryUnknown
		b = bundles[CategoryUnknown]
	}
	if details == "" && err != nil {
		details = err.Error()
	}
	return &DatabaseError{
		Category:             category,
		Title:                b.title,
		Message:              b.message,
		TechnicalDetails:     details,
		TroubleshootingSteps: append([]string(nil), b.steps...),
		Recoverable:          b.recoverable,
		err:                  err,
	}
}

// classificationRule pairs a category with the lower-case keywords that
// select it.
type classificationRule struct {
	category Category
	keywords []string
}

// classificationRules is evaluated strictly in order and the first matching
// category wins. The order is a compatibility contract: troubleshooting text
// shown to users depends on it, so do not reorder without evidence. The
// matching is heuristic; ambiguous errors can land in the wrong category
// when keyword sets overlap.
var classificationRules = []classificationRule{
	{CategoryNetworkDownload, []string{
		"download", "network", "internet", "dns", "proxy", "unreachable",
	}},
	{CategoryPermissions, []string{
		"access denied", "access is denied", "permission denied", "unauthorized",
		"permission", "eacces", "operation not permitted",
	}},
	{CategoryLocale, []string{
		"locale", "collation", "codepage", "code page", "lc_collate", "lc_ctype",
		"character set",
	}},
	{CategorySecurity, []string{
		"antivirus", "anti-virus", "defender", "quarantine", "blocked by",
		"security software", "virus",
	}},
	{CategoryDependencies, []string{
		"vcruntime", "msvcp", "msvcr", "dll", "shared object", "shared libraries",
		"libssl", "libcrypto", "libicu",
	}},
	{CategoryPathCharacters, []string{
		"invalid character", "illegal character", "non-ascii", "unsupported character",
		"invalid path",
	}},
	{CategoryProcessFailure, []string{
		"failed to start", "process exited", "exit code", "exit status", "postmaster",
		"pg_ctl", "initdb", "timed out waiting", "startup timeout", "server closed",
	}},
}

// Classify maps an arbitrary error onto the category taxonomy by matching
// lower-cased keywords against the error text and its whole unwrap chain.
// A DatabaseError passes through unchanged. Errors matching no rule are
// classified Unknown.
func Classify(err error) *DatabaseError {
	if err == nil {
		return nil
	}

	var derr *DatabaseError
	if errors.As(err, &derr) {
		return derr
	}

	haystack := strings.ToLower(chainText(err))
	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return New(rule.category, err.Error(), err)
			}
		}
	}
	return New(CategoryUnknown, err.Error(), err)
}

// chainText concatenates the messages of an error and every wrapped cause.
// Wrapped causes usually repeat inside the outer message, but errors built
// with custom Error methods may not include them.
func chainText(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return b.String()
}
