package stemcell

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// SignedURLAPIVersion is the first stemcell API version whose agent
// can fetch and upload blobs through signed URLs.
const SignedURLAPIVersion = 3

// Stemcell is the base OS image compiled packages target. It is
// immutable once uploaded.
type Stemcell struct {
	Name       string `yaml:"name" json:"name"`
	OS         string `yaml:"os" json:"os"`
	Version    string `yaml:"version" json:"version"`
	CID        string `yaml:"cid,omitempty" json:"cid,omitempty"`
	APIVersion int    `yaml:"api_version,omitempty" json:"api_version,omitempty"`
}

func (s Stemcell) Desc() string {
	return fmt.Sprintf("%s/%s", s.Name, s.Version)
}

// String is the os/version pair compiled packages are keyed on.
func (s Stemcell) String() string {
	return fmt.Sprintf("%s/%s", s.OS, s.Version)
}

func (s Stemcell) SupportsSignedURLs() bool {
	return s.APIVersion >= SignedURLAPIVersion
}

// MajorLine returns the major version of the stemcell. Stemcells on
// the same OS and major line are ABI compatible.
func (s Stemcell) MajorLine() (uint64, error) {
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing stemcell version %q", s.Version)
	}
	return v.Major(), nil
}

// SameLine reports whether version belongs to the same major line
// as the stemcell.
func (s Stemcell) SameLine(version string) bool {
	major, err := s.MajorLine()
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return v.Major() == major
}

// Newest returns the highest semantic version in versions, skipping
// any that don't parse. ok is false if none do.
func Newest(versions []string) (newest string, ok bool) {
	var best *semver.Version
	for _, s := range versions {
		v, err := semver.NewVersion(s)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, newest = v, s
		}
	}
	return newest, best != nil
}
