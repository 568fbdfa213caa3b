package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"deptrack/internal/domain"
)

// Directory is the seed file for departments and users.
type Directory struct {
	Departments []domain.Department `yaml:"departments"`
	Users       []DirectoryUser     `yaml:"users"`
}

// DirectoryUser carries the role as written by an operator; it is normalised by
// Resolve.
type DirectoryUser struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	DepartmentID string `yaml:"department_id"`
	TeamID       string `yaml:"team_id"`
}

func DirectoryFromFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DirectoryFromYAML(data)
}

func DirectoryFromYAML(data []byte) (*Directory, error) {
	var d Directory
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid directory yaml: %w", err)
	}
	return &d, nil
}

// Resolve validates the directory and returns domain records stamped with ts.
// Users must reference a department declared in the same file.
func (d *Directory) Resolve(ts string) ([]domain.Department, []domain.User, error) {
	depts := make([]domain.Department, 0, len(d.Departments))
	known := map[string]bool{}
	for i, dep := range d.Departments {
		if dep.ID == "" || dep.Name == "" {
			return nil, nil, fmt.Errorf("departments[%d]: id and name are required", i)
		}
		if known[dep.ID] {
			return nil, nil, fmt.Errorf("departments[%d]: duplicate id %s", i, dep.ID)
		}
		known[dep.ID] = true
		dep.CreatedAt = ts
		depts = append(depts, dep)
	}
	users := make([]domain.User, 0, len(d.Users))
	seen := map[string]bool{}
	for i, u := range d.Users {
		if u.ID == "" || u.Name == "" {
			return nil, nil, fmt.Errorf("users[%d]: id and name are required", i)
		}
		if seen[u.ID] {
			return nil, nil, fmt.Errorf("users[%d]: duplicate id %s", i, u.ID)
		}
		seen[u.ID] = true
		role, err := domain.ParseRole(u.Role)
		if err != nil {
			return nil, nil, fmt.Errorf("users[%d]: %w", i, err)
		}
		if !known[u.DepartmentID] {
			return nil, nil, fmt.Errorf("users[%d]: unknown department %q", i, u.DepartmentID)
		}
		user := domain.User{ID: u.ID, Name: u.Name, Role: role, DepartmentID: u.DepartmentID, CreatedAt: ts}
		if u.TeamID != "" {
			team := u.TeamID
			user.TeamID = &team
		}
		users = append(users, user)
	}
	return depts, users, nil
}
