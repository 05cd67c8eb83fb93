package bakerytest

import (
	"strings"
	"time"

	"gopkg.in/errgo.v1"
)

// firstPartyChecker checks a first party caveat condition.
type firstPartyChecker func(cav string) error

// checkerMap maps caveat identifiers to the checkers for them.
type checkerMap map[string]firstPartyChecker

var stdCheckers = checkerMap{
	"time-before": timeBefore,
}

// timeBeforeCaveat returns a caveat condition that holds
// until the given time.
func timeBeforeCaveat(t time.Time) string {
	return "time-before " + t.UTC().Format(time.RFC3339)
}

func timeBefore(cav string) error {
	_, timeStr, err := parseCaveat(cav)
	if err != nil {
		return errgo.Mask(err)
	}
	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return errgo.Notef(err, "cannot parse expiry time")
	}
	if !time.Now().Before(t) {
		return errgo.New("macaroon has expired")
	}
	return nil
}

// checkFirstPartyCaveat checks cav with the checker registered
// for its identifier.
func (m checkerMap) checkFirstPartyCaveat(cav string) error {
	id, _, err := parseCaveat(cav)
	if err != nil {
		return errgo.Notef(err, "cannot parse caveat %q", cav)
	}
	if check := m[id]; check != nil {
		return check(cav)
	}
	return errgo.Newf("caveat %q not recognized", cav)
}

// parseCaveat splits a caveat condition into the identifier
// before the first space and the argument after it.
func parseCaveat(cav string) (string, string, error) {
	if cav == "" {
		return "", "", errgo.New("empty caveat")
	}
	i := strings.IndexByte(cav, ' ')
	switch {
	case i < 0:
		return cav, "", nil
	case i == 0:
		return "", "", errgo.New("caveat starts with space character")
	}
	return cav[:i], cav[i+1:], nil
}
