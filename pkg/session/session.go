// pkg/session/session.go - resolves the site code and SMS Provider for a run.

package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/windowsadmins/cmplatform/pkg/logging"
)

var siteCodePattern = regexp.MustCompile(`^[A-Z0-9]{3}$`)

// BootstrapError reports a site code or provider host that could not be resolved.
type BootstrapError struct {
	What string // "site code" or "provider host"
	Err  error
}

func (e *BootstrapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to resolve %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("unable to resolve %s", e.What)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Options carries explicitly configured values. Empty values are discovered.
type Options struct {
	SiteCode     string
	ProviderHost string
	Discover     bool // query the local machine for missing values
}

// Session is the connection context shared by the whole run.
type Session struct {
	SiteCode     string
	ProviderHost string
}

// Discovered holds what the local machine reports about its site.
type Discovered struct {
	SiteCode     string
	ProviderHost string
}

// discover is replaced in tests.
var discover = discoverLocal

// Resolve builds the Session, discovering missing values when allowed.
func Resolve(ctx context.Context, opts Options) (*Session, error) {
	s := &Session{
		SiteCode:     strings.ToUpper(strings.TrimSpace(opts.SiteCode)),
		ProviderHost: strings.TrimSpace(opts.ProviderHost),
	}

	var discoverErr error
	if opts.Discover && (s.SiteCode == "" || s.ProviderHost == "") {
		found, err := discover(ctx)
		if err != nil {
			discoverErr = err
			logging.Warn("Local site discovery failed", "error", err)
		}
		if s.SiteCode == "" && found.SiteCode != "" {
			s.SiteCode = strings.ToUpper(found.SiteCode)
			logging.Info("Discovered site code", "site", s.SiteCode)
		}
		if s.ProviderHost == "" && found.ProviderHost != "" {
			s.ProviderHost = found.ProviderHost
			logging.Info("Discovered SMS Provider", "provider", s.ProviderHost)
		}
	}

	if s.SiteCode == "" {
		return nil, &BootstrapError{What: "site code", Err: discoverErr}
	}
	if !siteCodePattern.MatchString(s.SiteCode) {
		return nil, &BootstrapError{What: "site code", Err: errors.New("site code must be three letters or digits, got " + s.SiteCode)}
	}
	if s.ProviderHost == "" {
		return nil, &BootstrapError{What: "provider host", Err: discoverErr}
	}
	return s, nil
}
