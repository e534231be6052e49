package devapi

import (
	"crypto/subtle"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/coursepulse/internal/models"
)

//go:embed users.yaml
var defaultUsers []byte

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateUser      = errors.New("duplicate user")
)

// User is one account in the development directory.
type User struct {
	Email       string      `yaml:"email"`
	Password    string      `yaml:"password"`
	Role        models.Role `yaml:"role"`
	DisplayName string      `yaml:"displayName"`
	StudentID   string      `yaml:"studentId"`
	Department  string      `yaml:"department"`
}

// Directory is the set of accounts that may log in. Passwords are plain text;
// it exists for local development only.
type Directory struct {
	users map[string]User // lower-cased email -> user
}

type directoryFile struct {
	Users []User `yaml:"users"`
}

// DefaultDirectory returns the built-in student, faculty and admin accounts.
func DefaultDirectory() *Directory {
	dir, err := ParseDirectory(defaultUsers)
	if err != nil {
		panic(fmt.Sprintf("embedded users.yaml is invalid: %v", err))
	}
	return dir
}

// LoadDirectory reads a YAML directory from path.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read user directory: %w", err)
	}
	return ParseDirectory(data)
}

// ParseDirectory parses a YAML directory.
func ParseDirectory(data []byte) (*Directory, error) {
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse user directory: %w", err)
	}

	dir := &Directory{users: make(map[string]User, len(file.Users))}
	for i, u := range file.Users {
		if u.Email == "" || u.Password == "" {
			return nil, fmt.Errorf("user %d: email and password are required", i)
		}
		if !u.Role.Valid() {
			return nil, fmt.Errorf("user %s: %w: %q", u.Email, models.ErrInvalidRole, u.Role)
		}
		key := strings.ToLower(u.Email)
		if _, ok := dir.users[key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, u.Email)
		}
		dir.users[key] = u
	}

	return dir, nil
}

// Len returns the number of accounts.
func (d *Directory) Len() int {
	return len(d.users)
}

// Authenticate returns the account matching email and password.
func (d *Directory) Authenticate(email, password string) (User, error) {
	u, ok := d.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}
