package telemetry

import "errors"

func errorsIsTransient(err error) bool {
	return errors.Is(err, ErrDeliveryTransient)
}
