package access

import (
	"net/url"
	"strings"

	"github.com/qcom/marketclient/internal/models"
)

const (
	LoginPath = "/login"
	HomePath  = "/"

	// RedirectParam carries the originally requested location on the
	// login URL.
	RedirectParam = "redirect"
)

var landing = map[models.Role]string{
	models.RoleAdmin:     "/admin",
	models.RoleMentor:    "/mentor/dashboard",
	models.RoleModerator: "/moderator",
	models.RoleCustomer:  HomePath,
}

// Landing returns the default destination for role. Unrecognized roles
// land on the home page.
func Landing(role models.Role) string {
	r, ok := models.ParseRole(string(role))
	if !ok {
		return HomePath
	}
	if dest, ok := landing[r]; ok {
		return dest
	}
	return HomePath
}

// LoginURL builds the login entry point carrying origin, if any.
func LoginURL(origin string) string {
	if origin == "" || isLoginPath(origin) {
		return LoginPath
	}
	return LoginPath + "?" + url.Values{RedirectParam: {origin}}.Encode()
}

// OriginFromLoginURL extracts the origin LoginURL embedded in a login URL
// or query string.
func OriginFromLoginURL(loginURL string) string {
	u, err := url.Parse(loginURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(RedirectParam)
}

// Destination picks where to go after a successful login: the original
// location when it is a safe local path other than the login page,
// otherwise the role's landing page.
func Destination(id *models.Identity, origin string) string {
	if isSafeLocalPath(origin) && !isLoginPath(origin) {
		return origin
	}
	if id == nil {
		return HomePath
	}
	return Landing(id.Role)
}

// isSafeLocalPath rejects anything that would leave the site:
// absolute URLs, scheme-relative "//host" and backslash variants.
func isSafeLocalPath(p string) bool {
	if p == "" || !strings.HasPrefix(p, "/") {
		return false
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}

func isLoginPath(p string) bool {
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	path := strings.TrimSuffix(u.Path, "/")
	return strings.EqualFold(path, LoginPath)
}
