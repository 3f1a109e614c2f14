package tracker

import "github.com/beaconwatch/beaconwatch/internal/errors"

func errNoNotifier() error {
	return errors.Newf("change notifications are not enabled").
		Component("tracker").
		Category(errors.CategoryPrecondition).
		Build()
}
