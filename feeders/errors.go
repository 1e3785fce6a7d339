package feeders

import "errors"

// Static errors for feeders
var (
	ErrUnsupportedFormat   = errors.New("unsupported configuration file format")
	ErrReadFile            = errors.New("failed to read configuration file")
	ErrSectionDecode       = errors.New("failed to decode configuration section")
	ErrEnvInvalidStructure = errors.New("env feeder needs a pointer to a struct")
	ErrEnvConvert          = errors.New("cannot convert environment value")
)
