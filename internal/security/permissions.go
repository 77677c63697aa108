package security

import (
	"fmt"
	"os"
)

const (
	// PermConfigFile is for configuration files that may carry tokens.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermConfigFile os.FileMode = 0640

	// PermLogFile is for the server log.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the SQLite database.
	PermDBFile os.FileMode = 0640

	// PermDirectory is for state directories owned by the server.
	// rwxr-x--- (0750)
	PermDirectory os.FileMode = 0750

	// PermSecretDir holds per-application environment files.
	// rwx------ (0700)
	PermSecretDir os.FileMode = 0700

	// PermSecretFile is for environment files, which hold application secrets.
	// rw------- (0600): only owner can read/write.
	PermSecretFile os.FileMode = 0600

	// PermPublicFile is for files other services must read, such as the
	// Caddyfile and systemd units.
	// rw-r--r-- (0644)
	PermPublicFile os.FileMode = 0644
)

// CreateSecureDir creates a new directory with secure permissions.
// If the directory already exists, it updates the permissions.
// Creates parent directories as needed.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	// Ensure permissions are set correctly (MkdirAll may use umask)
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions validates that a file does not have world-readable
// or world-writable permissions for sensitive files.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o), which is insecure for sensitive data", path, perm)
	}

	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o), which is a serious security risk", path, perm)
	}

	return nil
}
