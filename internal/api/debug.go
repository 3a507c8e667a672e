package api

import (
	"log"
	"os"
	"strings"
)

var apiDebugEnabled = strings.EqualFold(os.Getenv("AICHAT_DEBUG"), "1")

func debugRoom(format string, args ...interface{}) {
	if apiDebugEnabled {
		log.Printf("[api] "+format, args...)
	}
}
