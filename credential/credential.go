// Package credential decodes the bearer credential issued by the identity
// provider and answers expiration questions about it.
//
// Decoding only checks that the credential is structurally well formed: three
// dot-separated segments with a JSON payload. The signature is NOT verified,
// so claims read from a credential must not be trusted for anything beyond
// local session bookkeeping.
package credential

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDecode is returned (wrapped) for any credential that cannot be decoded.
var ErrDecode = errors.New("credential: malformed token")

const (
	// ExpiredMillis is the expiration reported for absent or undecodable
	// credentials.
	ExpiredMillis int64 = -1

	// NotSetMillis marks an expiration that has not been computed yet.
	NotSetMillis int64 = -2
)

// Claims is the decoded view of a credential.
type Claims struct {
	Subject string
	// ExpiresAt is the zero time when the credential carries no exp claim.
	ExpiresAt time.Time
	// ExpiresAtMillis is exp normalized to epoch milliseconds, or
	// ExpiredMillis when the credential carries no exp claim.
	ExpiresAtMillis int64

	Email      string
	Name       string
	GivenName  string
	FamilyName string
	Picture    string
	UserID     string
	Roles      []string

	// Raw holds every claim of the payload.
	Raw map[string]any
}

var parser = jwt.NewParser()

// Decode parses token without verifying its signature.
func Decode(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrDecode)
	}
	if strings.Count(token, ".") != 2 {
		return nil, fmt.Errorf("%w: expected three segments", ErrDecode)
	}

	mc := jwt.MapClaims{}
	// ErrTokenUnverifiable only reports an unknown alg header. The payload has
	// already been decoded at that point, which is all we need.
	if _, _, err := parser.ParseUnverified(token, mc); err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	c := &Claims{
		ExpiresAtMillis: ExpiredMillis,
		Raw:             map[string]any(mc),
	}
	c.Subject, _ = mc.GetSubject()
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
		c.ExpiresAtMillis = exp.Time.UnixMilli()
	}
	c.Email = stringClaim(mc, "email")
	c.Name = stringClaim(mc, "name")
	c.GivenName = stringClaim(mc, "given_name")
	c.FamilyName = stringClaim(mc, "family_name")
	c.Picture = stringClaim(mc, "picture")
	c.UserID = stringClaim(mc, "user_id")
	c.Roles = StringSlice(mc["roles"])
	return c, nil
}

// ExpirationMillis returns the expiration of token in epoch milliseconds.
// It returns ExpiredMillis if token is empty, cannot be decoded, or has no
// exp claim.
func ExpirationMillis(token string) int64 {
	c, err := Decode(token)
	if err != nil {
		return ExpiredMillis
	}
	return c.ExpiresAtMillis
}

// HasExpired reports whether v is expired at the current time.
// See HasExpiredAt.
func HasExpired(v any) bool {
	return HasExpiredAt(v, time.Now())
}

// HasExpiredAt reports whether v is expired at now.
//
// v may be a credential string, a finite number of epoch milliseconds (any
// integer or float kind) or a time.Time. Every other input, including NaN and
// the infinities, is reported as expired. An expiration equal to now is not
// yet expired.
func HasExpiredAt(v any, now time.Time) bool {
	nowMillis := now.UnixMilli()

	switch x := v.(type) {
	case nil:
		return true
	case string:
		if x == "" {
			return true
		}
		c, err := Decode(x)
		if err != nil || c.ExpiresAtMillis == ExpiredMillis {
			return true
		}
		return nowMillis > c.ExpiresAtMillis
	case time.Time:
		if x.IsZero() {
			return true
		}
		return now.After(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return nowMillis > rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return false
		}
		return nowMillis > int64(u)
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
		return float64(nowMillis) > f
	default:
		return true
	}
}

// StringSlice converts a decoded JSON array into a slice of its string
// elements. Non-string elements are skipped.
func StringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringClaim(mc jwt.MapClaims, name string) string {
	s, _ := mc[name].(string)
	return s
}
