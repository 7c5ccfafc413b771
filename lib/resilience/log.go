// Package resilience suspends dialing to authorities that keep failing.
package resilience

import (
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()
