package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idleprobe/internal/report"
)

func profilePath(name string) string {
	return filepath.Join("testdata", "profiles", name)
}

func TestLoadProfile_Local(t *testing.T) {
	p, err := LoadProfile(profilePath("local.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "nightly", p.Name)
	assert.Equal(t, 200, p.Accounts)
	assert.True(t, p.Target.Local())
	assert.True(t, p.Target.Debug)
	assert.Equal(t, "local:/usr/local/bin/maddy", p.Target.Describe())

	assert.Equal(t, 10, p.Pools.Provision)
	assert.Equal(t, DefaultArmWorkers, p.Pools.Arm, "absent fields keep defaults")
	assert.Equal(t, 50, p.Pools.Verify)

	assert.Equal(t, 90*time.Second, p.Timeouts.Notify)
	assert.Equal(t, 5*time.Minute, p.Timeouts.WaiterDeadline)
	assert.Equal(t, DefaultProfile().Timeouts.ArmConfirm, p.Timeouts.ArmConfirm)

	assert.Equal(t, 0.05, p.Policy.MaxTimeoutRate)
	assert.Equal(t, report.DefaultMaxFetchErrorRate, p.Policy.MaxFetchErrorRate)

	assert.Equal(t, "nightly probe", p.Message.Subject)
	assert.Equal(t, filepath.Join("testdata", "profiles", "message.tmpl"), p.Message.Template)
}

func TestLoadProfile_Static(t *testing.T) {
	p, err := LoadProfile(profilePath("static.yaml"))
	require.NoError(t, err)

	assert.False(t, p.Target.Local())
	assert.Equal(t, "mail.staging.example.org:587", p.Target.Submit)
	assert.Equal(t, "mail.staging.example.org:143", p.Target.Retrieve)
	assert.Equal(t, "static:mail.staging.example.org:587", p.Target.Describe())
	assert.Equal(t, "Staging.Example.ORG", p.Domain)
	assert.Equal(t, 20, p.Accounts)
}

func TestLoadProfile_Invalid(t *testing.T) {
	tests := []struct {
		file    string
		problem bool // a schema violation rather than a decode error
	}{
		{"unknown_field.yaml", false},
		{"accounts_range.yaml", true},
		{"both_targets.yaml", true},
		{"no_target.yaml", true},
		{"bad_policy.yaml", true},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := LoadProfile(profilePath(tt.file))
			require.Error(t, err)

			var pe *ProfileError
			if tt.problem {
				require.ErrorAs(t, err, &pe)
				assert.NotEmpty(t, pe.Problems)
				assert.Contains(t, err.Error(), tt.file)
			} else {
				assert.NotErrorAs(t, err, &pe)
				assert.Contains(t, err.Error(), "failed to parse profile")
			}
		})
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read profile")
}

func TestLoadProfile_AbsoluteTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.yaml")
	data := []byte("name: abs\ntarget:\n  binary: /bin/true\nmessage:\n  template: /etc/idleprobe/message.tmpl\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/idleprobe/message.tmpl", p.Message.Template)
}

func TestDefaultProfile_NeedsTarget(t *testing.T) {
	p := DefaultProfile()
	assert.Error(t, p.Validate("defaults"))

	p.Target.Binary = "/usr/local/bin/maddy"
	assert.NoError(t, p.Validate("defaults"))
}

func TestProfile_ValidateTimeouts(t *testing.T) {
	p := DefaultProfile()
	p.Target.Binary = "/usr/local/bin/maddy"
	p.Timeouts.Notify = 0

	err := p.Validate("inline")
	var pe *ProfileError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "inline", pe.Source)
}

func TestProfile_ValidateStaticAddress(t *testing.T) {
	p := DefaultProfile()
	p.Target = TargetProfile{Submit: "mail.example.org", Retrieve: "mail.example.org:143"}
	assert.Error(t, p.Validate("inline"), "submit address without a port")

	p.Target.Submit = "mail.example.org:587"
	assert.NoError(t, p.Validate("inline"))
}

func TestProfile_ReportPolicy(t *testing.T) {
	p := DefaultProfile()
	p.Policy = PolicyProfile{MaxTimeoutRate: 0.2, MaxFetchErrorRate: 0.3}
	assert.Equal(t, report.Policy{MaxTimeoutRate: 0.2, MaxFetchErrorRate: 0.3}, p.ReportPolicy())
}

func TestProfileError(t *testing.T) {
	err := &ProfileError{Source: "p.yaml", Problems: []string{"a", "b"}}
	assert.Equal(t, "invalid profile p.yaml: a; b", err.Error())
}

func TestDecodeProfile_SkipsValidation(t *testing.T) {
	p, err := DecodeProfile(profilePath("no_target.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "nowhere", p.Name)
	assert.Equal(t, 10, p.Accounts)

	p.Target.Binary = "/usr/local/bin/maddy"
	assert.NoError(t, p.Validate("inline"))
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte("name: inline\ntarget:\n  submit: a:1\n  retrieve: b:2\n"), "inline")
	require.NoError(t, err)
	assert.Equal(t, "static:a:1", p.Target.Describe())
	assert.Equal(t, DefaultAccounts, p.Accounts)

	_, err = ParseProfile([]byte("name: [unclosed"), "inline")
	assert.Error(t, err)
}
