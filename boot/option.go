package boot

import "strings"

// ParseCmdLine splits a kernel command line into key/value pairs. Tokens of
// the form "key=value" map key to value; bare tokens map to themselves.
func ParseCmdLine(cmdLine string) map[string]string {
	kv := make(map[string]string)
	for _, pair := range strings.Fields(cmdLine) {
		if index := strings.IndexByte(pair, '='); index != -1 {
			kv[pair[:index]] = pair[index+1:]
			continue
		}
		kv[pair] = pair
	}

	return kv
}

// Option returns the value of the command line option key or defValue if the
// option was not specified.
func Option(key, defValue string) string {
	if activeInfo == nil {
		return defValue
	}

	if value, ok := activeInfo.CmdLine[key]; ok {
		return value
	}
	return defValue
}

// OptionEnabled interprets the command line option key as a switch. The
// values "on", "true", "yes" and "1" enable it; "off", "false", "no" and "0"
// disable it. Any other value, or a missing option, yields defValue.
func OptionEnabled(key string, defValue bool) bool {
	switch Option(key, "") {
	case "on", "true", "yes", "1":
		return true
	case "off", "false", "no", "0":
		return false
	default:
		return defValue
	}
}
