//go:build windows

package session

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/yusufpapurcu/wmi"
	"golang.org/x/sys/windows/registry"

	"github.com/windowsadmins/cmplatform/pkg/logging"
)

const identificationKey = `SOFTWARE\Microsoft\SMS\Identification`

// SMS_ProviderLocation is the WMI class listing the site's SMS Providers.
type SMS_ProviderLocation struct {
	Machine              string
	SiteCode             string
	ProviderForLocalSite bool
}

// discoverLocal asks WMI for the local site's provider and falls back to
// the site server registry for the site code.
func discoverLocal(_ context.Context) (Discovered, error) {
	var found Discovered
	var errs *multierror.Error

	var locations []SMS_ProviderLocation
	err := wmi.QueryNamespace("SELECT Machine, SiteCode, ProviderForLocalSite FROM SMS_ProviderLocation", &locations, `root\SMS`)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("querying SMS_ProviderLocation: %w", err))
	}
	for _, loc := range locations {
		logging.Debug("SMS Provider location", "machine", loc.Machine, "site", loc.SiteCode, "local", loc.ProviderForLocalSite)
		if loc.ProviderForLocalSite {
			found.SiteCode = loc.SiteCode
			found.ProviderHost = loc.Machine
			break
		}
	}

	if found.SiteCode == "" {
		key, err := registry.OpenKey(registry.LOCAL_MACHINE, identificationKey, registry.READ)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("opening %s: %w", identificationKey, err))
		} else {
			defer key.Close()
			if code, _, err := key.GetStringValue("Site Code"); err == nil {
				found.SiteCode = code
			} else {
				errs = multierror.Append(errs, fmt.Errorf("reading Site Code: %w", err))
			}
		}
		// A site server without a provider location answer is its own provider.
		if found.SiteCode != "" && found.ProviderHost == "" {
			found.ProviderHost, _ = os.Hostname()
		}
	}

	if found.SiteCode != "" {
		return found, nil
	}
	return found, errs.ErrorOrNil()
}
