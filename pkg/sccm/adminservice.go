// pkg/sccm/adminservice.go - ConfigMgr AdminService (WMI route) client.

package sccm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/windowsadmins/cmplatform/pkg/logging"
)

const (
	// DefaultTimeout bounds every AdminService request.
	DefaultTimeout = 60 * time.Second

	maxErrorBody = 512
)

// APIError is a non-2xx answer from the AdminService.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected HTTP status code: %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// AdminServiceOptions configures an AdminService client.
type AdminServiceOptions struct {
	BaseURL            string // e.g. https://cm01.corp.local/AdminService
	Username           string
	Password           string
	Token              string // bearer token; wins over Username/Password
	InsecureSkipVerify bool
	Timeout            time.Duration
	HTTPClient         *http.Client // optional, used by tests
}

// AdminService talks to the SMS Provider's REST endpoint.
type AdminService struct {
	baseURL  string
	username string
	password string
	token    string
	client   *retryablehttp.Client
}

// BaseURLForProvider returns the AdminService root on the given SMS Provider host.
func BaseURLForProvider(host string) string {
	return "https://" + strings.TrimRight(host, "/") + "/AdminService"
}

// NewAdminService creates a client. Requests are never retried.
func NewAdminService(opts AdminServiceOptions) *AdminService {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
		logging.Debug("AdminService request", "method", req.Method, "url", req.URL.String())
	}

	if opts.HTTPClient != nil {
		rc.HTTPClient = opts.HTTPClient
	} else {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		rc.HTTPClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	return &AdminService{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		username: opts.Username,
		password: opts.Password,
		token:    opts.Token,
		client:   rc,
	}
}

// odataString quotes s as an OData string literal.
func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// filterQuery encodes an OData $filter with %20 for spaces.
func filterQuery(filter string) string {
	return "$filter=" + strings.ReplaceAll(url.QueryEscape(filter), "+", "%20")
}

func (a *AdminService) wmiURL(resource, rawQuery string) string {
	u := a.baseURL + "/wmi/" + resource
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func (a *AdminService) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var payload interface{}
	if body != nil {
		payload = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case a.token != "":
		req.Header.Set("Authorization", "Bearer "+a.token)
	case a.username != "":
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := truncate(strings.TrimSpace(string(data)), maxErrorBody)
		return nil, &APIError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: excerpt}
	}
	return data, nil
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// query GETs a WMI class collection and returns the OData "value" array.
func (a *AdminService) query(ctx context.Context, resource, rawQuery string) ([]gjson.Result, error) {
	data, err := a.do(ctx, http.MethodGet, a.wmiURL(resource, rawQuery), nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON from %s", resource)
	}
	return gjson.GetBytes(data, "value").Array(), nil
}

func packageFromResult(r gjson.Result) *Package {
	get := func(key string) string { return r.Get(key).String() }
	return &Package{
		Name: get("Name"),
		PackageMetadata: PackageMetadata{
			Description:           get("Description"),
			PackageID:             get("PackageID"),
			Manufacturer:          get("Manufacturer"),
			SourceSite:            get("SourceSite"),
			PackageSize:           get("PackageSize"),
			NoOfPrograms:          get("NumOfPrograms"),
			PackageSourcePath:     get("PkgSourcePath"),
			PkgSourceFlag:         get("PkgSourceFlag"),
			Priority:              get("Priority"),
			ObjectPath:            get("ObjectPath"),
			SourceDate:            get("SourceDate"),
			TransformAnalysisDate: get("TransformAnalysisDate"),
			SourceVersion:         get("SourceVersion"),
			StoredPkgVersion:      get("StoredPkgVersion"),
			LastRefreshTime:       get("LastRefreshTime"),
		},
	}
}

func platformFromResult(r gjson.Result) Platform {
	return Platform{
		DisplayName: r.Get("DisplayText").String(),
		OSName:      r.Get("OSName").String(),
		Platform:    r.Get("OSPlatform").String(),
		MinVersion:  r.Get("OSMinVersion").String(),
		MaxVersion:  r.Get("OSMaxVersion").String(),
	}
}

func constraintsFromResult(r gjson.Result) []OSConstraint {
	var out []OSConstraint
	for _, os := range r.Get("SupportedOperatingSystems").Array() {
		out = append(out, OSConstraint{
			Name:       os.Get("Name").String(),
			Platform:   os.Get("Platform").String(),
			MinVersion: os.Get("MinVersion").String(),
			MaxVersion: os.Get("MaxVersion").String(),
		})
	}
	return out
}

// FindPackage returns the first package whose name matches exactly.
func (a *AdminService) FindPackage(ctx context.Context, name string) (*Package, error) {
	values, err := a.query(ctx, "SMS_Package", filterQuery("Name eq "+odataString(name)))
	if err != nil {
		return nil, fmt.Errorf("looking up package %q: %w", name, err)
	}
	if len(values) == 0 {
		return nil, ErrPackageNotFound
	}
	if len(values) > 1 {
		logging.Warn("Multiple packages share a name, using the first", "package", name, "count", len(values))
	}
	return packageFromResult(values[0]), nil
}

// ListPrograms returns the programs of pkg in the order the site reports them.
func (a *AdminService) ListPrograms(ctx context.Context, pkg *Package) ([]Program, error) {
	values, err := a.query(ctx, "SMS_Program", filterQuery("PackageID eq "+odataString(pkg.PackageID)))
	if err != nil {
		return nil, fmt.Errorf("listing programs of %s: %w", pkg.PackageID, err)
	}
	programs := make([]Program, 0, len(values))
	for _, v := range values {
		programs = append(programs, Program{
			PackageID: pkg.PackageID,
			Name:      v.Get("ProgramName").String(),
			Flags:     uint32(v.Get("Flags").Uint()),
		})
	}
	return programs, nil
}

func programResource(packageID, programName string) string {
	return fmt.Sprintf("SMS_Program(PackageID=%s,ProgramName=%s)",
		url.PathEscape(odataString(packageID)), url.PathEscape(odataString(programName)))
}

// program fetches the full instance, which carries the lazy properties.
func (a *AdminService) program(ctx context.Context, packageID, programName string) (gjson.Result, error) {
	values, err := a.query(ctx, programResource(packageID, programName), "")
	if err != nil {
		return gjson.Result{}, err
	}
	if len(values) == 0 {
		return gjson.Result{}, fmt.Errorf("program %q of package %s not found", programName, packageID)
	}
	return values[0], nil
}

// SupportedOperatingSystems returns the program's declared OS constraints.
func (a *AdminService) SupportedOperatingSystems(ctx context.Context, packageID, programName string) ([]OSConstraint, error) {
	r, err := a.program(ctx, packageID, programName)
	if err != nil {
		return nil, fmt.Errorf("reading supported platforms of %s/%s: %w", packageID, programName, err)
	}
	return constraintsFromResult(r), nil
}

// ResolvePlatform finds a supported platform by its display text.
func (a *AdminService) ResolvePlatform(ctx context.Context, name string) (Platform, error) {
	values, err := a.query(ctx, "SMS_SupportedPlatforms", filterQuery("DisplayText eq "+odataString(name)))
	if err != nil {
		return Platform{}, fmt.Errorf("resolving platform %q: %w", name, err)
	}
	if len(values) == 0 {
		return Platform{}, &PlatformNotFoundError{Name: name}
	}
	return platformFromResult(values[0]), nil
}

// ListPlatforms returns every platform the site marks as supported.
func (a *AdminService) ListPlatforms(ctx context.Context) ([]Platform, error) {
	values, err := a.query(ctx, "SMS_SupportedPlatforms", filterQuery("IsSupported eq true"))
	if err != nil {
		return nil, fmt.Errorf("listing supported platforms: %w", err)
	}
	platforms := make([]Platform, 0, len(values))
	for _, v := range values {
		platforms = append(platforms, platformFromResult(v))
	}
	return platforms, nil
}

type programUpdate struct {
	Flags                     uint32         `json:"Flags"`
	SupportedOperatingSystems []OSConstraint `json:"SupportedOperatingSystems"`
}

// AddSupportedPlatform appends the platform's constraint to the program and
// clears its "any platform" flag.
func (a *AdminService) AddSupportedPlatform(ctx context.Context, pkg *Package, program Program, platform Platform) error {
	resolved, err := a.ResolvePlatform(ctx, platform.DisplayName)
	if err != nil {
		return err
	}

	current, err := a.program(ctx, pkg.PackageID, program.Name)
	if err != nil {
		return fmt.Errorf("reading program %s/%s: %w", pkg.PackageID, program.Name, err)
	}

	update := programUpdate{
		Flags:                     uint32(current.Get("Flags").Uint()) &^ AnyPlatformFlag,
		SupportedOperatingSystems: append(constraintsFromResult(current), resolved.Constraint()),
	}
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encoding program update: %w", err)
	}

	if _, err := a.do(ctx, http.MethodPost, a.wmiURL(programResource(pkg.PackageID, program.Name), ""), body); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("program %q of package %q no longer exists: %w", program.Name, pkg.Name, err)
		}
		return fmt.Errorf("updating program %s/%s: %w", pkg.PackageID, program.Name, err)
	}
	return nil
}
