package delivery

import "errors"

var errNoTarget = errors.New("no delivery target configured")
