// Package delivery issues order tracking IDs and checks the short code a
// buyer types to confirm receipt.
package delivery

import (
	"crypto/subtle"
	"strings"

	"github.com/agrolink/rfq/internal/idgen"
)

const (
	trackingPrefix    = "TRK-"
	trackingHexBytes  = 6
	DefaultCodeLength = 6
)

// Verifier derives confirmation codes from tracking IDs.
//
// The code is the tail of the tracking ID the seller already holds.
type Verifier struct {
	codeLength int
}

// NewVerifier creates a verifier. Lengths outside 1..12 fall back to the default.
func NewVerifier(codeLength int) *Verifier {
	if codeLength <= 0 || codeLength > trackingHexBytes*2 {
		codeLength = DefaultCodeLength
	}
	return &Verifier{codeLength: codeLength}
}

// NewTrackingID returns "TRK-" followed by 12 uppercase hex characters.
func (v *Verifier) NewTrackingID() string {
	return trackingPrefix + strings.ToUpper(idgen.Hex(trackingHexBytes))
}

// Code returns the confirmation code for trackingID.
func (v *Verifier) Code(trackingID string) string {
	if len(trackingID) <= v.codeLength {
		return strings.ToUpper(trackingID)
	}
	return strings.ToUpper(trackingID[len(trackingID)-v.codeLength:])
}

// Verify reports whether code confirms trackingID. Case and surrounding
// whitespace are ignored.
func (v *Verifier) Verify(trackingID, code string) bool {
	if trackingID == "" {
		return false
	}
	want := v.Code(trackingID)
	got := strings.ToUpper(strings.TrimSpace(code))
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
