package device

import "errors"

// ErrNoDevices is returned by OpenFirst when no rocket node is present
var ErrNoDevices = errors.New("no rocket devices found")
