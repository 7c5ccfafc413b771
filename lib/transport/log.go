// Package transport establishes the byte streams the protocol drivers run on.
package transport

import (
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()
