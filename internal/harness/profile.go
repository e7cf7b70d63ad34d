package harness

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/idleprobe/internal/broadcast"
	"github.com/roach88/idleprobe/internal/env"
	"github.com/roach88/idleprobe/internal/provision"
	"github.com/roach88/idleprobe/internal/report"
	"github.com/roach88/idleprobe/internal/waiter"
)

//go:embed profile.cue
var profileSchema string

// Profile is a run configuration, usually loaded from YAML.
type Profile struct {
	// Name labels the run in logs and the run store.
	Name string `yaml:"name" json:"name"`

	// Accounts is the number of receiving identities to provision.
	Accounts int `yaml:"accounts" json:"accounts"`

	// Domain overrides the mail domain used in generated addresses.
	// Defaults to the target's domain.
	Domain string `yaml:"domain,omitempty" json:"domain,omitempty"`

	Target     TargetProfile    `yaml:"target" json:"target"`
	Pools      PoolProfile      `yaml:"pools" json:"pools"`
	Timeouts   TimeoutProfile   `yaml:"timeouts" json:"timeouts"`
	Thresholds ThresholdProfile `yaml:"thresholds" json:"thresholds"`
	Policy     PolicyProfile    `yaml:"policy" json:"policy"`
	Message    MessageProfile   `yaml:"message,omitempty" json:"message"`
}

// TargetProfile selects the server under test: a Binary to run locally, or
// the Submit and Retrieve addresses of a running server.
type TargetProfile struct {
	Binary    string `yaml:"binary,omitempty" json:"binary,omitempty"`
	Debug     bool   `yaml:"debug,omitempty" json:"debug,omitempty"`
	KeepState bool   `yaml:"keep_state,omitempty" json:"keep_state,omitempty"`

	Submit   string `yaml:"submit,omitempty" json:"submit,omitempty"`
	Retrieve string `yaml:"retrieve,omitempty" json:"retrieve,omitempty"`
	HTTP     string `yaml:"http,omitempty" json:"http,omitempty"`
}

// Local reports whether the profile asks for a locally started server.
func (t TargetProfile) Local() bool {
	return t.Binary != ""
}

// Describe returns a short target label such as "local:/usr/bin/maddy".
func (t TargetProfile) Describe() string {
	if t.Local() {
		return "local:" + t.Binary
	}
	return "static:" + t.Submit
}

// PoolProfile sizes the three worker pools.
type PoolProfile struct {
	Provision int `yaml:"provision" json:"provision"`
	Arm       int `yaml:"arm" json:"arm"`
	Verify    int `yaml:"verify" json:"verify"`
}

// TimeoutProfile holds every per-operation timeout. Values are YAML
// durations ("10s", "2m").
type TimeoutProfile struct {
	Startup    time.Duration `yaml:"startup" json:"startup"`
	Provision  time.Duration `yaml:"provision" json:"provision"`
	ArmConfirm time.Duration `yaml:"arm_confirm" json:"arm_confirm"`
	IdleRead   time.Duration `yaml:"idle_read" json:"idle_read"`
	Notify     time.Duration `yaml:"notify" json:"notify"`
	Join       time.Duration `yaml:"join" json:"join"`
	Send       time.Duration `yaml:"send" json:"send"`

	// WaiterDeadline bounds a waiter's armed lifetime. Zero keeps waiters
	// armed until teardown.
	WaiterDeadline time.Duration `yaml:"waiter_deadline" json:"waiter_deadline"`
}

// ThresholdProfile sets the slow-operation warning levels.
type ThresholdProfile struct {
	SlowLogin time.Duration `yaml:"slow_login" json:"slow_login"`
	SlowSend  time.Duration `yaml:"slow_send" json:"slow_send"`
}

// PolicyProfile holds the verdict tolerances.
type PolicyProfile struct {
	MaxTimeoutRate    float64 `yaml:"max_timeout_rate" json:"max_timeout_rate"`
	MaxFetchErrorRate float64 `yaml:"max_fetch_error_rate" json:"max_fetch_error_rate"`
}

// MessageProfile customises the broadcast message.
type MessageProfile struct {
	Subject string `yaml:"subject,omitempty" json:"subject,omitempty"`

	// Template is a path to a text/template file replacing the built-in
	// message. Relative paths resolve against the profile's directory.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

const (
	DefaultAccounts    = 100
	DefaultArmWorkers  = 20
	DefaultVerifyPool  = 20
	DefaultNotifyWait  = 60 * time.Second
	DefaultProfileName = "default"
)

// DefaultProfile returns a profile with every default filled in and no
// target.
func DefaultProfile() Profile {
	return Profile{
		Name:     DefaultProfileName,
		Accounts: DefaultAccounts,
		Pools: PoolProfile{
			Provision: provision.DefaultWorkers,
			Arm:       DefaultArmWorkers,
			Verify:    DefaultVerifyPool,
		},
		Timeouts: TimeoutProfile{
			Startup:    env.DefaultStartupTimeout,
			Provision:  provision.DefaultCallTimeout,
			ArmConfirm: waiter.DefaultConfirmTimeout,
			IdleRead:   waiter.DefaultIdleRead,
			Notify:     DefaultNotifyWait,
			Join:       waiter.DefaultJoinTimeout,
			Send:       broadcast.DefaultSendTimeout,
		},
		Thresholds: ThresholdProfile{
			SlowLogin: provision.DefaultSlowThreshold,
			SlowSend:  broadcast.DefaultSlowThreshold,
		},
		Policy: PolicyProfile{
			MaxTimeoutRate:    report.DefaultMaxTimeoutRate,
			MaxFetchErrorRate: report.DefaultMaxFetchErrorRate,
		},
	}
}

// ReportPolicy converts the profile tolerances.
func (p Profile) ReportPolicy() report.Policy {
	return report.Policy{
		MaxTimeoutRate:    p.Policy.MaxTimeoutRate,
		MaxFetchErrorRate: p.Policy.MaxFetchErrorRate,
	}
}

// ProfileError lists every schema violation found in a profile.
type ProfileError struct {
	Source   string
	Problems []string
}

func (e *ProfileError) Error() string {
	return fmt.Sprintf("invalid profile %s: %s", e.Source, strings.Join(e.Problems, "; "))
}

// LoadProfile reads a YAML profile, applies defaults for absent fields and
// validates the result. Unknown fields are rejected.
func LoadProfile(path string) (Profile, error) {
	p, err := DecodeProfile(path)
	if err != nil {
		return Profile{}, err
	}
	if err := p.Validate(path); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// DecodeProfile reads a YAML profile over the defaults without validating
// it, so callers can apply overrides first.
func DecodeProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read profile: %w", err)
	}

	p, err := decodeProfile(data, path)
	if err != nil {
		return Profile{}, err
	}

	// Resolve the message template relative to the profile file
	if t := p.Message.Template; t != "" && !filepath.IsAbs(t) {
		p.Message.Template = filepath.Join(filepath.Dir(path), t)
	}
	return p, nil
}

// ParseProfile decodes and validates a YAML profile. source names the
// document in errors.
func ParseProfile(data []byte, source string) (Profile, error) {
	p, err := decodeProfile(data, source)
	if err != nil {
		return Profile{}, err
	}
	if err := p.Validate(source); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func decodeProfile(data []byte, source string) (Profile, error) {
	p := DefaultProfile()

	// Parse YAML with strict field validation (catches typos like "acounts:")
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse profile %s: %w", source, err)
	}
	return p, nil
}

// Validate checks p against the embedded CUE schema.
func (p Profile) Validate(source string) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(profileSchema, cue.Filename("profile.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile profile schema: %w", err)
	}

	value := ctx.CompileBytes(doc, cue.Filename(source))
	if err := value.Err(); err != nil {
		return fmt.Errorf("compile profile: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Profile")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		pe := &ProfileError{Source: source}
		for _, e := range cueerrors.Errors(err) {
			pe.Problems = append(pe.Problems, e.Error())
		}
		if len(pe.Problems) == 0 {
			pe.Problems = []string{err.Error()}
		}
		return pe
	}
	return nil
}
