package bakery

import (
	"gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"
)

// DischargeAll gathers discharge macaroons for all the third party
// caveats in m (and any subsequent caveats required by those) calling
// getDischarge to acquire each discharge macaroon. The
// firstPartyLocation argument is the location of m.
//
// It returns a slice with m as the first element, followed by all the
// discharge macaroons, each bound to m's signature. The macaroon m
// itself is not changed.
func DischargeAll(
	m *macaroon.Macaroon,
	getDischarge func(firstPartyLocation string, cav macaroon.Caveat) (*macaroon.Macaroon, error),
) (macaroon.Slice, error) {
	primary := m.Clone()
	sig := primary.Signature()
	discharges := macaroon.Slice{primary}
	var need []macaroon.Caveat
	addCaveats := func(m *macaroon.Macaroon) {
		for _, cav := range m.Caveats() {
			if cav.VerificationId == nil {
				continue
			}
			need = append(need, cav)
		}
	}
	addCaveats(primary)
	for len(need) > 0 {
		cav := need[0]
		need = need[1:]
		logger.Debugf("acquiring discharge for %q at %q", cav.Id, cav.Location)
		dm, err := getDischarge(primary.Location(), cav)
		if err != nil {
			return nil, errgo.NoteMask(err, "cannot get discharge from "+cav.Location, errgo.Any)
		}
		if dm == nil {
			return nil, errgo.Newf("no discharge macaroon returned from %q", cav.Location)
		}
		dm = dm.Clone()
		dm.Bind(sig)
		discharges = append(discharges, dm)
		addCaveats(dm)
	}
	return discharges, nil
}
