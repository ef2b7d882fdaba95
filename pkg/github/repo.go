package github

import (
	"regexp"

	"github.com/pkg/errors"
)

// repoURLPattern accepts the repository URLs operators hand out. A third path
// segment, when present, is an access token riding along in the URL; fleets
// with private firmware repositories configure them that way.
var repoURLPattern = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)(?:/([^/]+))?/?$`)

// Repo addresses a repository on the hosting service.
type Repo struct {
	Owner string
	Name  string
	// Token is the access token parsed out of the URL, if any. A token
	// configured separately takes precedence.
	Token string
}

// ParseRepoURL extracts the repository address from an operator-supplied URL.
func ParseRepoURL(raw string) (Repo, error) {
	m := repoURLPattern.FindStringSubmatch(raw)
	if m == nil {
		return Repo{}, errors.Errorf("%q does not address a github repository", raw)
	}
	return Repo{Owner: m[1], Name: m[2], Token: m[3]}, nil
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}
