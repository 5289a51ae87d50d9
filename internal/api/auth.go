package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

// resolveIdentity extracts the acting identity from the Basic authorization
// header. Only the username is significant; the password is ignored. When the
// request path carries a {user} segment it must agree with the header
// identity.
func resolveIdentity(r *http.Request) (string, error) {
	login, err := basicUser(r)
	if err != nil {
		return "", err
	}
	if pathUser := r.PathValue("user"); pathUser != "" && pathUser != login {
		return "", errForbidden
	}
	return login, nil
}

func basicUser(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return "", errUnauthorized
	}

	scheme, value, ok := strings.Cut(authz, " ")
	if !ok || scheme != "Basic" {
		return "", errUnauthorized
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return "", errUnauthorized
	}

	user, _, ok := strings.Cut(string(decoded), ":")
	if !ok || user == "" {
		return "", errUnauthorized
	}
	return user, nil
}

// repoName joins the path user and repo segments into the namespaced repo
// identifier.
func repoName(r *http.Request) string {
	return r.PathValue("user") + "/" + r.PathValue("repo")
}
