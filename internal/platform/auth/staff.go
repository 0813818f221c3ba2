// Package auth guards the staff-only routes of the enrollment API.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const staffKeyIDKey contextKey = "staff_key_id"

// HeaderAPIKey carries a staff key. Authorization: ApiKey <key> also works.
const HeaderAPIKey = "X-API-Key"

// devStaffID is the caller recorded when anonymous staff access is allowed.
const devStaffID = "dev-staff"

// StaffKeys holds SHA-256 digests of the configured staff API keys so raw
// keys are not kept in memory past startup.
type StaffKeys struct {
	hashes [][sha256.Size]byte
}

func NewStaffKeys(raw []string) *StaffKeys {
	k := &StaffKeys{}
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		k.hashes = append(k.hashes, sha256.Sum256([]byte(r)))
	}
	return k
}

func (k *StaffKeys) Len() int { return len(k.hashes) }

// Match returns a short identifier for the matching key, or false.
func (k *StaffKeys) Match(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(raw))
	matched := -1
	for i, h := range k.hashes {
		if subtle.ConstantTimeCompare(sum[:], h[:]) == 1 {
			matched = i
		}
	}
	if matched < 0 {
		return "", false
	}
	return hex.EncodeToString(sum[:4]), true
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	scheme, key, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "apikey") {
		return strings.TrimSpace(key)
	}
	return ""
}

// StaffMiddleware admits requests carrying one of keys. With allowAnonymous
// (development) a request with no key at all is admitted as dev-staff; a
// wrong key is still rejected.
func StaffMiddleware(keys *StaffKeys, allowAnonymous bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := extractAPIKey(c.Request())
			var id string
			switch {
			case raw == "" && allowAnonymous:
				id = devStaffID
			case raw == "":
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			default:
				var ok bool
				if id, ok = keys.Match(raw); !ok {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
				}
			}
			ctx := context.WithValue(c.Request().Context(), staffKeyIDKey, id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// StaffIDFromContext returns the identifier set by StaffMiddleware.
func StaffIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(staffKeyIDKey).(string)
	return id
}
