package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPermissionConstants(t *testing.T) {
	tests := []struct {
		name     string
		perm     os.FileMode
		expected os.FileMode
	}{
		{"PermConfigFile", PermConfigFile, 0640},
		{"PermLogFile", PermLogFile, 0640},
		{"PermDBFile", PermDBFile, 0640},
		{"PermDirectory", PermDirectory, 0750},
		{"PermSecretDir", PermSecretDir, 0700},
		{"PermSecretFile", PermSecretFile, 0600},
		{"PermPublicFile", PermPublicFile, 0644},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.perm != tt.expected {
				t.Errorf("%s = %04o, want %04o", tt.name, tt.perm, tt.expected)
			}
		})
	}
}

func TestCreateSecureDir(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name string
		path string
		perm os.FileMode
	}{
		{"env dir", filepath.Join(tmpDir, ".env"), PermSecretDir},
		{"nested state dir", filepath.Join(tmpDir, "var", "lib", "appdeck"), PermDirectory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CreateSecureDir(tt.path, tt.perm); err != nil {
				t.Fatalf("CreateSecureDir() error = %v", err)
			}

			info, err := os.Stat(tt.path)
			if err != nil {
				t.Fatalf("Directory was not created: %v", err)
			}
			if !info.IsDir() {
				t.Fatal("CreateSecureDir() did not create a directory")
			}
			if info.Mode().Perm() != tt.perm {
				t.Errorf("Directory permissions = %04o, want %04o", info.Mode().Perm(), tt.perm)
			}
		})
	}

	t.Run("tightens existing directory", func(t *testing.T) {
		path := filepath.Join(tmpDir, "loose")
		if err := os.Mkdir(path, 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := CreateSecureDir(path, PermSecretDir); err != nil {
			t.Fatalf("CreateSecureDir() error = %v", err)
		}
		info, _ := os.Stat(path)
		if info.Mode().Perm() != PermSecretDir {
			t.Errorf("Directory permissions = %04o, want %04o", info.Mode().Perm(), PermSecretDir)
		}
	})
}

func TestIsWorldReadable(t *testing.T) {
	tests := []struct {
		name string
		perm os.FileMode
		want bool
	}{
		{"0644 is world readable", 0644, true},
		{"0755 is world readable", 0755, true},
		{"0640 is not world readable", 0640, false},
		{"0600 is not world readable", 0600, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWorldReadable(tt.perm); got != tt.want {
				t.Errorf("IsWorldReadable(%04o) = %v, want %v", tt.perm, got, tt.want)
			}
		})
	}
}

func TestIsWorldWritable(t *testing.T) {
	tests := []struct {
		name string
		perm os.FileMode
		want bool
	}{
		{"0666 is world writable", 0666, true},
		{"0777 is world writable", 0777, true},
		{"0664 is not world writable", 0664, false},
		{"0600 is not world writable", 0600, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWorldWritable(tt.perm); got != tt.want {
				t.Errorf("IsWorldWritable(%04o) = %v, want %v", tt.perm, got, tt.want)
			}
		})
	}
}

func TestValidateSecurePermissions(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		perm    os.FileMode
		wantErr bool
	}{
		{"secure 0600", 0600, false},
		{"secure 0640", 0640, false},
		{"world readable 0644", 0644, true},
		{"world readable 0755", 0755, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testFile := filepath.Join(tmpDir, "test-"+tt.name+".txt")
			if err := os.WriteFile(testFile, []byte("test"), 0600); err != nil {
				t.Fatalf("Failed to create test file: %v", err)
			}
			if err := os.Chmod(testFile, tt.perm); err != nil {
				t.Fatalf("Failed to set permissions: %v", err)
			}

			err := ValidateSecurePermissions(testFile)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSecurePermissions() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	t.Run("nonexistent file", func(t *testing.T) {
		if err := ValidateSecurePermissions(filepath.Join(tmpDir, "missing")); err == nil {
			t.Error("ValidateSecurePermissions() should fail for nonexistent file")
		}
	})
}
