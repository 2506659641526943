package stagelinq

import (
	"strings"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/devices"
)

// Software names that announce on the network but are not connectable
// players: offline analyzers, mixers without service directories and
// lighting controllers.
var ignoredNames = map[string]string{
	"OfflineAnalyzer": "offline analyzer",
	"JM08":            "mixer without services",
	"SSS0":            "mixer without services",
}

// Case-insensitive software-name prefixes of third-party controllers
// that speak the discovery protocol but serve no device services.
var ignoredPrefixes = []string{
	"soundswitch",
	"resolume",
}

// ignoreReason returns the name of the matched ignore rule, or "" when
// the announcement should be handled.
func (c *StageLinqDevices) ignoreReason(info devices.ConnectionInfo) string {
	if info.Source == c.opts.ActingAs.Source {
		return "own announcement"
	}
	if reason, ok := ignoredNames[info.Software.Name]; ok {
		return reason
	}
	lower := strings.ToLower(info.Software.Name)
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return "lighting controller"
		}
	}
	return ""
}
