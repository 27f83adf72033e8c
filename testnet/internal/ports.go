package internal

// Port constants for UDP test networks.
const (
	// DefaultBasePort is the port of the first node; node i binds DefaultBasePort+i.
	DefaultBasePort uint16 = 47000

	// MinValidPort is the minimum valid port number (excluding privileged ports).
	MinValidPort uint16 = 1024

	// MaxValidPort is the maximum valid port number.
	MaxValidPort uint16 = 65535
)

// ValidatePortRange reports whether count consecutive ports starting at
// basePort are all unprivileged valid ports.
func ValidatePortRange(basePort uint16, count int) bool {
	if count <= 0 || basePort < MinValidPort {
		return false
	}
	return int(basePort)+count-1 <= int(MaxValidPort)
}
