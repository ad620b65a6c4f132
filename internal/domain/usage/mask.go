package usage

import "regexp"

var hashedKey = regexp.MustCompile(`^(email|hash):([a-f0-9]{64})$`)

// MaskCustomerKey shortens hashed keys for display ("hash:1a2b3c4d...").
// Other keys are returned unchanged.
func MaskCustomerKey(key string) string {
	m := hashedKey.FindStringSubmatch(key)
	if m == nil {
		return key
	}
	return m[1] + ":" + m[2][:8] + "..."
}
