// Package assets signs direct browser uploads for offer images and terms
// attachments. Files never pass through this service.
package assets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agrolink/rfq/internal/idgen"
	"github.com/agrolink/rfq/internal/market"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
)

// ErrNotConfigured is returned when no storage credentials were supplied.
var ErrNotConfigured = errors.New("asset storage is not configured")

var (
	folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,39}$`)
	unsafeName    = regexp.MustCompile(`[^a-z0-9_-]+`)
)

var allowedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// SignedUpload is everything a client needs to post a file straight to storage.
// PublicURL must not be attached to an offer until the upload has finished.
type SignedUpload struct {
	UploadURL string            `json:"uploadUrl"`
	PublicURL string            `json:"publicUrl"`
	Fields    map[string]string `json:"fields"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Signer issues signed upload parameters.
type Signer interface {
	SignUpload(ctx context.Context, folder, filename, contentType string) (*SignedUpload, error)
}

// Cloudinary signs uploads for a Cloudinary account.
type Cloudinary struct {
	cld  *cloudinary.Cloudinary
	root string
	ttl  time.Duration
	now  func() time.Time
}

var _ Signer = (*Cloudinary)(nil)

// NewCloudinary creates a signer. Uploads land under root/<folder>.
func NewCloudinary(cloudName, apiKey, apiSecret, root string) (*Cloudinary, error) {
	if cloudName == "" || apiKey == "" || apiSecret == "" {
		return nil, ErrNotConfigured
	}
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}
	cld.Config.URL.Secure = true
	if root == "" {
		root = "agrolink"
	}
	return &Cloudinary{cld: cld, root: strings.Trim(root, "/"), ttl: time.Hour, now: time.Now}, nil
}

// SignUpload returns signed form fields for one file.
func (c *Cloudinary) SignUpload(ctx context.Context, folder, filename, contentType string) (*SignedUpload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	folder = strings.ToLower(strings.TrimSpace(folder))
	if !folderPattern.MatchString(folder) {
		return nil, market.Invalid("folder must be 1-40 lowercase letters, digits, '-' or '_'")
	}
	if !allowedTypes[strings.ToLower(contentType)] {
		return nil, market.Invalid("content type %q is not allowed", contentType)
	}
	base := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	base = strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(base), "-"), "-")
	if base == "" || base == "." {
		base = "file"
	}
	if len(base) > 60 {
		base = base[:60]
	}

	now := c.now().UTC()
	dir := c.root + "/" + folder
	publicID := idgen.Hex(6) + "_" + base
	params := url.Values{
		"folder":    {dir},
		"public_id": {publicID},
		"timestamp": {strconv.FormatInt(now.Unix(), 10)},
	}
	signature, err := api.SignParameters(params, c.cld.Config.Cloud.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload: %w", err)
	}

	img, err := c.cld.Image(dir + "/" + publicID)
	if err != nil {
		return nil, fmt.Errorf("failed to build asset url: %w", err)
	}
	public, err := img.String()
	if err != nil {
		return nil, fmt.Errorf("failed to build asset url: %w", err)
	}

	fields := map[string]string{"api_key": c.cld.Config.Cloud.APIKey, "signature": signature}
	for k := range params {
		fields[k] = params.Get(k)
	}
	return &SignedUpload{
		UploadURL: "https://api.cloudinary.com/v1_1/" + c.cld.Config.Cloud.CloudName + "/image/upload",
		PublicURL: public,
		Fields:    fields,
		ExpiresAt: now.Add(c.ttl),
	}, nil
}
