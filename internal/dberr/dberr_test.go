package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// opaqueError hides its cause from Error() so tests can prove the classifier
// walks the unwrap chain rather than only reading the outer message.
type opaqueError struct {
	cause error
}

func (e *opaqueError) Error() string { return "database operation failed" }
func (e *opaqueError) Unwrap() error { return e.cause }

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassify_PassesThroughDatabaseError(t *testing.T) {
	orig := New(CategoryDiskSpace, "only 12 MiB free", nil)

	assert.Same(t, orig, Classify(orig))

	wrapped := fmt.Errorf("startup aborted: %w", orig)
	assert.Same(t, orig, Classify(wrapped))
}

func TestClassify_Categories(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Category
	}{
		{"network", "download of server archive failed: connection reset", CategoryNetworkDownload},
		{"network dns", "dns lookup failed for mirror host", CategoryNetworkDownload},
		{"permissions", "open /opt/omega/data: permission denied", CategoryPermissions},
		{"permissions windows", "Access is denied.", CategoryPermissions},
		{"locale", "initdb: invalid locale settings; check LC_CTYPE", CategoryLocale},
		{"locale collation", "could not determine collation version", CategoryLocale},
		{"security", "file was quarantined by security software", CategorySecurity},
		{"security defender", "operation blocked by Windows Defender", CategorySecurity},
		{"dependencies", "error while loading shared libraries: libicu.so.70", CategoryDependencies},
		{"dependencies windows", "VCRUNTIME140.dll was not located on this system", CategoryDependencies},
		{"path", "data directory path contains invalid characters", CategoryPathCharacters},
		{"process", "pg_ctl: server did not start in time", CategoryProcessFailure},
		{"process exit", "process exited with exit code 1", CategoryProcessFailure},
		{"unknown", "something inexplicable happened", CategoryUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			derr := Classify(errors.New(tc.text))
			require.NotNil(t, derr)
			assert.Equal(t, tc.want, derr.Category)
		})
	}
}

// TestClassify_PriorityOrder pins the rule ordering. Troubleshooting text
// shown to users depends on which rule fires first, so a reordering is a
// behavior change even when every individual keyword still matches.
func TestClassify_PriorityOrder(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Category
	}{
		{
			"network beats permissions",
			"download failed: permission denied by proxy",
			CategoryNetworkDownload,
		},
		{
			"permissions beat locale",
			"permission denied while reading locale configuration",
			CategoryPermissions,
		},
		{
			"locale beats security",
			"invalid locale blocked by environment",
			CategoryLocale,
		},
		{
			"security beats dependencies",
			"antivirus quarantined vcruntime140.dll",
			CategorySecurity,
		},
		{
			"dependencies beat path",
			"libssl path contains invalid characters",
			CategoryDependencies,
		},
		{
			"path beats process failure",
			"failed to start: path contains invalid characters",
			CategoryPathCharacters,
		},
		{
			"everything matches network first",
			"download permission locale antivirus dll invalid character exit code",
			CategoryNetworkDownload,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			derr := Classify(errors.New(tc.text))
			require.NotNil(t, derr)
			assert.Equal(t, tc.want, derr.Category)
		})
	}
}

func TestClassify_WalksUnwrapChain(t *testing.T) {
	err := &opaqueError{cause: errors.New("access is denied")}

	derr := Classify(err)

	require.NotNil(t, derr)
	assert.Equal(t, CategoryPermissions, derr.Category)
	assert.ErrorIs(t, derr, err.cause)
}

func TestClassify_CaseInsensitive(t *testing.T) {
	derr := Classify(errors.New("DOWNLOAD FAILED: HOST UNREACHABLE"))

	require.NotNil(t, derr)
	assert.Equal(t, CategoryNetworkDownload, derr.Category)
}

func TestNew_PopulatesBundle(t *testing.T) {
	cause := errors.New("bind: address already in use")

	derr := New(CategoryPortConflict, "ports 5432-5442 all busy", cause)

	assert.Equal(t, CategoryPortConflict, derr.Category)
	assert.Equal(t, "Port Unavailable", derr.Title)
	assert.NotEmpty(t, derr.Message)
	assert.Equal(t, "ports 5432-5442 all busy", derr.TechnicalDetails)
	assert.NotEmpty(t, derr.TroubleshootingSteps)
	assert.True(t, derr.Recoverable)
	assert.ErrorIs(t, derr, cause)
}

func TestNew_DetailsDefaultToErrorText(t *testing.T) {
	derr := New(CategoryProcessFailure, "", errors.New("pg_ctl exited"))

	assert.Equal(t, "pg_ctl exited", derr.TechnicalDetails)
}

func TestNew_UnknownCategoryFallsBack(t *testing.T) {
	derr := New(Category("no-such-category"), "", nil)

	assert.Equal(t, CategoryUnknown, derr.Category)
	assert.Equal(t, "Unexpected Database Error", derr.Title)
}

func TestNew_StepsAreCopied(t *testing.T) {
	first := New(CategoryUnknown, "", nil)
	first.TroubleshootingSteps[0] = "mutated"

	second := New(CategoryUnknown, "", nil)
	assert.NotEqual(t, "mutated", second.TroubleshootingSteps[0])
}

func TestDatabaseError_ErrorString(t *testing.T) {
	withDetails := New(CategoryDiskSpace, "42 MiB free on /data", nil)
	assert.Equal(t, "Insufficient Disk Space: 42 MiB free on /data", withDetails.Error())

	withoutDetails := New(CategoryDiskSpace, "", nil)
	assert.Equal(t,
		"Insufficient Disk Space: There is not enough free disk space to run the music database.",
		withoutDetails.Error())
}

func TestRecoverableFlags(t *testing.T) {
	recoverable := map[Category]bool{
		CategoryNetworkDownload: true,
		CategoryPermissions:     true,
		CategoryLocale:          false,
		CategoryDependencies:    false,
		CategorySecurity:        true,
		CategoryDiskSpace:       true,
		CategoryPortConflict:    true,
		CategoryProcessFailure:  true,
		CategoryPathCharacters:  false,
		CategoryUnknown:         true,
	}

	for category, want := range recoverable {
		assert.Equalf(t, want, New(category, "", nil).Recoverable,
			"category %s", category)
	}
}
