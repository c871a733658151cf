// Package profile loads the applicant record used to answer form fields.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// EmailEnv overrides the profile e-mail when set.
const EmailEnv = "APPLYPILOT_PROFILE_EMAIL"

var (
	// ErrNoEmail is returned when neither the file nor the environment supply
	// a usable e-mail address.
	ErrNoEmail = errors.New("profile: an e-mail address is required")
	// ErrResumeMissing is returned when resume_path names a file that does not
	// exist.
	ErrResumeMissing = errors.New("profile: resume file not found")
)

// Loader reads profiles from a filesystem. The environment lookup is
// injectable for tests.
type Loader struct {
	fs     afero.Fs
	lookup func(string) (string, bool)
}

// NewLoader creates a loader over fs. A nil fs means the OS filesystem.
func NewLoader(fs afero.Fs) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Loader{fs: fs, lookup: os.LookupEnv}
}

// Load reads the YAML profile at path and applies defaults, the e-mail
// override and validation.
func Load(path string) (schemas.Profile, error) {
	return NewLoader(nil).Load(path)
}

// Load reads the YAML profile at path.
func (l *Loader) Load(path string) (schemas.Profile, error) {
	var p schemas.Profile

	expanded, err := homedir.Expand(path)
	if err != nil {
		return p, fmt.Errorf("profile: expand %q: %w", path, err)
	}
	data, err := afero.ReadFile(l.fs, expanded)
	if err != nil {
		return p, fmt.Errorf("profile: read %s: %w", expanded, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("profile: parse %s: %w", expanded, err)
	}

	applyDefaults(&p)
	if v, ok := l.lookup(EmailEnv); ok && strings.TrimSpace(v) != "" {
		p.Email = strings.TrimSpace(v)
	}

	if p.ResumePath != "" {
		resume, err := homedir.Expand(p.ResumePath)
		if err != nil {
			return p, fmt.Errorf("profile: expand resume_path: %w", err)
		}
		if !filepath.IsAbs(resume) {
			resume = filepath.Join(filepath.Dir(expanded), resume)
		}
		p.ResumePath = resume
	}
	return p, l.validate(p)
}

func applyDefaults(p *schemas.Profile) {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Email = strings.TrimSpace(p.Email)
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	// A single full_name entry fills the split fields.
	if full := strings.TrimSpace(p.Metadata["full_name"]); full != "" && p.FirstName == "" && p.LastName == "" {
		parts := strings.Fields(full)
		p.FirstName = parts[0]
		if len(parts) > 1 {
			p.LastName = strings.Join(parts[1:], " ")
		}
	}
}

func (l *Loader) validate(p schemas.Profile) error {
	if p.Email == "" || !strings.Contains(p.Email, "@") {
		return ErrNoEmail
	}
	if p.ResumePath != "" {
		ok, err := afero.Exists(l.fs, p.ResumePath)
		if err != nil {
			return fmt.Errorf("profile: stat resume: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrResumeMissing, p.ResumePath)
		}
	}
	return nil
}
