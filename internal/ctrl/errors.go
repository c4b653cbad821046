package ctrl

import "errors"

// ErrDeviceExists is returned by AddDevice when the driver already has a
// device registered under the requested ID (-EEXIST), signalling the
// supervisor to fall back to the recovery path instead of treating the
// collision as fatal.
var ErrDeviceExists = errors.New("device already exists")
