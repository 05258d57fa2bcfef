package progression

import (
	"fmt"
	"regexp"

	"github.com/koda-community/koda-bot/internal/domain/shared"
)

// MaxGithubLoginLength is GitHub's limit on user names.
const MaxGithubLoginLength = 39

// Alphanumerics separated by single hyphens, no leading or trailing hyphen.
var githubLoginPattern = regexp.MustCompile(`^[A-Za-z0-9]+(?:-[A-Za-z0-9]+)*$`)

// ValidateGithubLogin checks login against GitHub's user name rules.
func ValidateGithubLogin(login string) error {
	if login == "" || len(login) > MaxGithubLoginLength || !githubLoginPattern.MatchString(login) {
		return shared.ErrInvalidGithubName.Wrap(fmt.Errorf("%q", login))
	}
	return nil
}
